package orchestration

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Role identifies which side of the conversation produced an utterance.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// DefaultDedupWindow bounds how far apart two finals with identical
	// normalized text may be and still collapse into one entry.
	DefaultDedupWindow = 15 * time.Second
	// DefaultTypedMergeWindow bounds how old a typed user entry may be and
	// still absorb a voice final with the same normalized text.
	DefaultTypedMergeWindow = 2 * time.Second

	recentFinalsCapacity = 32
)

// TranscriptTimings carries the timestamps attached to one transcript
// fragment. StartedAtMs is authoritative for ordering; EmittedAtMs is the
// fallback key. Zero means unknown.
type TranscriptTimings struct {
	StartedAtMs   int64
	FinalizedAtMs int64
	EmittedAtMs   int64
}

// TranscriptEntry is one utterance fragment. Partials are mutated in place
// per role until superseded by a final; finals are immutable once emitted.
type TranscriptEntry struct {
	Role          Role
	Text          string
	IsFinal       bool
	StartedAtMs   int64
	FinalizedAtMs int64
	EmittedAtMs   int64
	ItemID        string
	Typed         bool
}

// orderingKey resolves the authoritative ordering timestamp. Finalization
// time is deliberately not used: one side routinely finalizes seconds
// slower than it started speaking, and ordering on it reorders roles.
func (e TranscriptEntry) orderingKey() int64 {
	if e.StartedAtMs > 0 {
		return e.StartedAtMs
	}
	return e.EmittedAtMs
}

// transcriptOutcome is one instruction back to the caller: emit a partial
// update, emit (and optionally relay) a final, or reflect a typed entry
// that absorbed a voice final.
type transcriptOutcome struct {
	entry   TranscriptEntry
	partial bool
	merged  bool
	relay   bool
}

type finalFingerprint struct {
	role           Role
	normalizedText string
	timestampMs    int64
}

// transcriptCoordinator reconciles transcript fragments arriving from
// independent sources (data channel, local speech engine, backend
// broadcast) into one deduplicated, start-time-ordered stream. It also owns
// the relay ledger guaranteeing at-most-once relay per conversation item.
type transcriptCoordinator struct {
	mu sync.Mutex

	dedupWindowMs      int64
	typedMergeWindowMs int64
	relayEnabled       bool

	partials map[Role]*TranscriptEntry
	// pendingFinals holds finals whose start time is later than a still-open
	// partial of another role; they are flushed in ordering-key order once
	// the earlier partial resolves, so listeners always observe finals in
	// who-spoke-first order.
	pendingFinals []TranscriptEntry
	emitted       []TranscriptEntry

	lastRelayedItemID map[Role]string
	recentFinals      []finalFingerprint
}

func newTranscriptCoordinator(dedupWindow, typedMergeWindow time.Duration, relayEnabled bool) *transcriptCoordinator {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	if typedMergeWindow <= 0 {
		typedMergeWindow = DefaultTypedMergeWindow
	}
	return &transcriptCoordinator{
		dedupWindowMs:      dedupWindow.Milliseconds(),
		typedMergeWindowMs: typedMergeWindow.Milliseconds(),
		relayEnabled:       relayEnabled,
		partials:           map[Role]*TranscriptEntry{},
		lastRelayedItemID:  map[Role]string{},
	}
}

// apply reconciles one fragment and returns the emissions it causes, in
// the order they must reach listeners.
func (c *transcriptCoordinator) apply(role Role, text string, isFinal bool, timings TranscriptTimings, itemID string) []transcriptOutcome {
	return c.applyEntry(TranscriptEntry{
		Role:          role,
		Text:          text,
		IsFinal:       isFinal,
		StartedAtMs:   timings.StartedAtMs,
		FinalizedAtMs: timings.FinalizedAtMs,
		EmittedAtMs:   timings.EmittedAtMs,
		ItemID:        itemID,
	})
}

// applyTyped records a typed (non-voice) user message as an immediately
// final entry. Voice finals with near-identical text arriving shortly after
// update this entry instead of double-rendering the utterance.
func (c *transcriptCoordinator) applyTyped(text string, itemID string) []transcriptOutcome {
	now := time.Now().UnixMilli()
	return c.applyEntry(TranscriptEntry{
		Role:        RoleUser,
		Text:        text,
		IsFinal:     true,
		StartedAtMs: now,
		EmittedAtMs: now,
		ItemID:      itemID,
		Typed:       true,
	})
}

func (c *transcriptCoordinator) applyEntry(entry TranscriptEntry) []transcriptOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.EmittedAtMs == 0 {
		entry.EmittedAtMs = time.Now().UnixMilli()
	}

	if !entry.IsFinal {
		return c.applyPartialLocked(entry)
	}
	return c.applyFinalLocked(entry)
}

func (c *transcriptCoordinator) applyPartialLocked(entry TranscriptEntry) []transcriptOutcome {
	current := c.partials[entry.Role]
	if current != nil {
		// Partials mutate in place; keep the original start time so the
		// ordering key does not drift while the utterance grows.
		if current.StartedAtMs > 0 && entry.StartedAtMs == 0 {
			entry.StartedAtMs = current.StartedAtMs
		}
		if current.StartedAtMs > 0 && entry.StartedAtMs > 0 && current.StartedAtMs < entry.StartedAtMs {
			entry.StartedAtMs = current.StartedAtMs
		}
	}
	c.partials[entry.Role] = &entry

	return []transcriptOutcome{{entry: entry, partial: true}}
}

func (c *transcriptCoordinator) applyFinalLocked(entry TranscriptEntry) []transcriptOutcome {
	if entry.ItemID != "" && c.lastRelayedItemID[entry.Role] == entry.ItemID {
		logger.Debug("suppressing duplicate final by item id", "role", string(entry.Role), "item_id", entry.ItemID)
		return c.flushPendingLocked(nil)
	}

	normalized := normalizeTranscript(entry.Text)
	if normalized == "" {
		return c.flushPendingLocked(nil)
	}

	// A voice final restating a just-typed message updates the typed entry
	// in place; checked before text+time dedup so the typed entry can adopt
	// the voice pipeline's item identity.
	if !entry.Typed && entry.Role == RoleUser {
		if merged, outcomes := c.mergeIntoTypedLocked(entry, normalized); merged {
			return outcomes
		}
	}

	key := entry.orderingKey()
	if c.isDuplicateFinalLocked(entry.Role, normalized, key) {
		logger.Debug("suppressing duplicate final by text and time", "role", string(entry.Role), "timestamp_ms", key)
		return c.flushPendingLocked(nil)
	}

	outcomes := []transcriptOutcome{}

	// Inherit the open partial's start time when the final itself carries
	// none, then retire the partial.
	if partial := c.partials[entry.Role]; partial != nil {
		if entry.StartedAtMs == 0 && partial.StartedAtMs > 0 {
			entry.StartedAtMs = partial.StartedAtMs
		}
		delete(c.partials, entry.Role)
		outcomes = append(outcomes, clearedPartialOutcome(entry.Role))
	}

	c.rememberFinalLocked(entry.Role, normalized, entry.orderingKey())
	if entry.ItemID != "" {
		c.lastRelayedItemID[entry.Role] = entry.ItemID
	}

	c.pendingFinals = append(c.pendingFinals, entry)
	sort.SliceStable(c.pendingFinals, func(i, j int) bool {
		return c.pendingFinals[i].orderingKey() < c.pendingFinals[j].orderingKey()
	})

	return c.flushPendingLocked(outcomes)
}

// flushPendingLocked emits every pending final not blocked by an open
// partial with an earlier ordering key, preserving who-spoke-first order.
func (c *transcriptCoordinator) flushPendingLocked(outcomes []transcriptOutcome) []transcriptOutcome {
	for len(c.pendingFinals) > 0 {
		candidate := c.pendingFinals[0]
		if c.blockedByEarlierPartialLocked(candidate) {
			break
		}

		c.pendingFinals = c.pendingFinals[1:]
		c.emitted = append(c.emitted, candidate)
		outcomes = append(outcomes, transcriptOutcome{
			entry: candidate,
			relay: c.relayEnabled,
		})
	}
	return outcomes
}

func (c *transcriptCoordinator) blockedByEarlierPartialLocked(candidate TranscriptEntry) bool {
	for role, partial := range c.partials {
		if role == candidate.Role {
			continue
		}
		if partial.orderingKey() < candidate.orderingKey() {
			return true
		}
	}
	return false
}

// drain flushes finals held for ordering regardless of open partials. Used
// on stop so buffered utterances are not lost when a blocking partial will
// never finalize.
func (c *transcriptCoordinator) drain() []transcriptOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partials = map[Role]*TranscriptEntry{}
	return c.flushPendingLocked(nil)
}

// clearPartial drops a role's partial (speech abandoned without a final)
// and flushes anything it was blocking.
func (c *transcriptCoordinator) clearPartial(role Role) []transcriptOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, open := c.partials[role]; !open {
		return nil
	}
	delete(c.partials, role)

	return c.flushPendingLocked([]transcriptOutcome{clearedPartialOutcome(role)})
}

func (c *transcriptCoordinator) mergeIntoTypedLocked(entry TranscriptEntry, normalized string) (bool, []transcriptOutcome) {
	for i := len(c.emitted) - 1; i >= 0; i-- {
		existing := c.emitted[i]
		if !existing.Typed || existing.Role != entry.Role {
			continue
		}
		delta := entry.orderingKey() - existing.orderingKey()
		if delta < 0 {
			delta = -delta
		}
		if delta > c.typedMergeWindowMs {
			continue
		}
		if normalizeTranscript(existing.Text) != normalized {
			continue
		}

		// Prefer the voice pipeline's timings and item identity but keep the
		// typed entry's slot, so the utterance renders once.
		c.emitted[i].FinalizedAtMs = entry.FinalizedAtMs
		if entry.ItemID != "" {
			c.emitted[i].ItemID = entry.ItemID
			c.lastRelayedItemID[entry.Role] = entry.ItemID
		}
		c.rememberFinalLocked(entry.Role, normalized, entry.orderingKey())

		// The merging final still supersedes the role's open partial;
		// leaving it open would keep blocking later-keyed finals.
		outcomes := []transcriptOutcome{}
		if c.partials[entry.Role] != nil {
			delete(c.partials, entry.Role)
			outcomes = append(outcomes, clearedPartialOutcome(entry.Role))
		}
		outcomes = append(outcomes, transcriptOutcome{entry: c.emitted[i], merged: true})
		return true, c.flushPendingLocked(outcomes)
	}
	return false, nil
}

func (c *transcriptCoordinator) isDuplicateFinalLocked(role Role, normalized string, timestampMs int64) bool {
	for _, fingerprint := range c.recentFinals {
		if fingerprint.role != role || fingerprint.normalizedText != normalized {
			continue
		}
		delta := timestampMs - fingerprint.timestampMs
		if delta < 0 {
			delta = -delta
		}
		if delta <= c.dedupWindowMs {
			return true
		}
	}
	return false
}

func (c *transcriptCoordinator) rememberFinalLocked(role Role, normalized string, timestampMs int64) {
	c.recentFinals = append(c.recentFinals, finalFingerprint{
		role:           role,
		normalizedText: normalized,
		timestampMs:    timestampMs,
	})
	if len(c.recentFinals) > recentFinalsCapacity {
		c.recentFinals = c.recentFinals[len(c.recentFinals)-recentFinalsCapacity:]
	}
}

// finals returns emitted finals in emission order.
func (c *transcriptCoordinator) finals() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	finals := make([]TranscriptEntry, len(c.emitted))
	copy(finals, c.emitted)
	return finals
}

// openPartials returns the current partial per role.
func (c *transcriptCoordinator) openPartials() map[Role]TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	partials := make(map[Role]TranscriptEntry, len(c.partials))
	for role, partial := range c.partials {
		partials[role] = *partial
	}
	return partials
}

// markRelayed records a successful relay so reconnection catch-up replays
// of the same item are suppressed.
func (c *transcriptCoordinator) markRelayed(role Role, itemID string) {
	if itemID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRelayedItemID[role] = itemID
}

func clearedPartialOutcome(role Role) transcriptOutcome {
	return transcriptOutcome{
		entry:   TranscriptEntry{Role: role},
		partial: true,
	}
}

// normalizeTranscript trims, collapses internal whitespace, and lowercases
// so the same utterance arriving via divergent paths compares equal.
func normalizeTranscript(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Package events defines the typed session event contract.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - session.*
//   - user_speech.*
//   - transcript.*
//   - microphone.*
//
// Semantics used across the package:
//
//   - Partial: mutable point-in-time transcript snapshot for a role; a
//     later partial or final for the same role supersedes it.
//   - Final: terminal immutable transcript entry for an utterance.
//   - Status: connection lifecycle state of the session as a whole.
//
// session events
//
//   - SessionStatusChanged (session.status_changed): connection status
//     transition, with a classified reason string on failure.
//   - SessionIdentityChanged (session.identity_changed): session, persona,
//     scenario, or external session identity mutated.
//
// user_speech events
//
//   - UserSpeechStarted (user_speech.started): speech activity began.
//   - UserSpeechEnded (user_speech.ended): speech activity ended.
//
// transcript events
//
//   - TranscriptPartialUpdated (transcript.partial_updated): the mutable
//     partial for a role changed.
//   - TranscriptFinal (transcript.final): a finalized utterance entry,
//     carrying the resolved ordering timestamp.
//
// microphone events
//
//   - MicrophoneStateChanged (microphone.state_changed): user pause flag or
//     the auto-pause reason set changed; carries the derived effective state.
package events

// Package orchestrator drives one conversation turn end to end.
//
// A turn records the user's question, sends the whole transcript and the
// system prompt to the provider, and records the model's answer. Turns on the
// same session run one at a time in arrival order.
//
// Failure classes:
// - soft: the provider answered non-2xx or did not answer before the upstream
//   deadline. Ask returns FallbackMessage with a nil error and records no model turn.
// - hard: anything else (transport failure, malformed reply, missing key,
//   unreadable prompt, caller cancellation). Ask returns an error wrapping ErrTurnFailed.
package orchestrator

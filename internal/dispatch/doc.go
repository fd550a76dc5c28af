// Package dispatch hands finalized utterances to the generative model.
//
// A Dispatcher owns the busy flag that keeps at most one request in flight
// per session. It encodes the drained samples as WAV, base64-encodes them,
// silently drops payloads too small to hold meaningful speech, and turns any
// request failure into a fixed user-facing fallback message. Errors never
// leave the dispatcher.
package dispatch

// Package stream owns the per-connection recording sessions. A Session ties
// the endpointer, the sample accumulation and the rolling frame window of one
// browser connection to its dispatcher; the Manager creates sessions, tracks
// them by ID and removes the ones that go idle.
package stream

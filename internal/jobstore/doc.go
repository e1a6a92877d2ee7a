// Package jobstore defines the token-gated claim protocol against the shared
// job store. Claim denial and claim supersession are modeled as normal
// results, never exceptions: only store unavailability is an error path.
//
// Two implementations exist: sqlite (a local shared database) and remote (the
// orchestration backend's action RPCs).
package jobstore

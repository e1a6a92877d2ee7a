// Package job defines the shared job data model: kinds, lifecycle statuses,
// claims, and result payloads. The store packages persist these records; the
// pipeline mutates them only through token-gated store operations.
package job

// Package logging wires log/slog for the worker: console and JSON handlers,
// shared attribute helpers, and standardized field keys so job, stage, and
// correlation identifiers are searchable across every component.
package logging

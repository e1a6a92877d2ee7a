// Package errclass holds the error taxonomy and the pure retry policy shared
// by the retrieval engine, the collaborator clients, and the stage
// orchestrator. Classification is a data table of substring rules, not
// scattered string checks.
package errclass

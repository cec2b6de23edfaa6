// Package types defines the shared data model and error taxonomy of
// stageflow: task payloads, structured errors with unified codes, and the
// narrow external interfaces (Provider, Validator) the core consumes.
//
// It is the lowest-level package in the module and has no internal
// dependencies, so every other package can import it without cycles.
package types

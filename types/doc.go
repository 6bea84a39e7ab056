// Package types defines the shared interfaces and records used across shoal:
// the worker lifecycle states, the document store collaborator, the logger
// and metrics abstractions, and the directory records (workers, assignments).
//
// Consumers typically import this package to implement collaborators
// (DocumentStore, Logger, MetricsCollector) or to inspect records returned
// by the directory.
package types

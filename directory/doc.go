// Package directory implements the assignment directory: the shared record
// of which worker owns which document, which workers exist, and whether they
// accept new assignments.
//
// The directory is the single arbiter of ownership. Claiming an unassigned
// document is atomic from the perspective of any two callers; concurrent
// claims converge on one winning worker. Callers never decide ownership
// locally.
//
// Two implementations are provided:
//   - NATSDirectory: backed by NATS JetStream KeyValue buckets, for
//     multi-process pools.
//   - Memory: an in-process implementation with identical semantics, for
//     single-binary deployments and tests.
package directory

// Package testing provides test utilities for the shoal library.
//
// It follows Go's convention of a dedicated testing-helpers package
// (similar to net/http/httptest):
//
//   - StartEmbeddedNATS: In-process NATS server with JetStream
//   - NewTestLogger: Logger that writes through testing.T
//   - FakeDocStore: Scriptable DocumentStore for drain tests
//
// Example usage:
//
//	import (
//	    "testing"
//	    shoaltest "github.com/shoalproj/shoal/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := shoaltest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing

package testing

import (
	"context"
	"sync"
	"time"

	"github.com/shoalproj/shoal/types"
)

// FakeDocStore is a scriptable DocumentStore for drain and gate tests.
//
// Per-document flush delays let tests exercise parallel handoffs; the
// Open/Muted maps track what the worker did to each document.
type FakeDocStore struct {
	mu          sync.Mutex
	open        map[string]bool
	muted       map[string]bool
	flushDelay  map[string]time.Duration
	flushErr    map[string]error
	flushed     []string
	interrupted []string
	shutdown    []string
	closedAll   bool
}

// Compile-time assertion that FakeDocStore implements DocumentStore.
var _ types.DocumentStore = (*FakeDocStore)(nil)

// NewFakeDocStore creates an empty fake store.
func NewFakeDocStore() *FakeDocStore {
	return &FakeDocStore{
		open:       make(map[string]bool),
		muted:      make(map[string]bool),
		flushDelay: make(map[string]time.Duration),
		flushErr:   make(map[string]error),
	}
}

// SetOpen marks a document as open in memory.
func (s *FakeDocStore) SetOpen(docID string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open[docID] = open
}

// SetFlushDelay makes Flush take the given time for a document.
func (s *FakeDocStore) SetFlushDelay(docID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushDelay[docID] = d
}

// SetFlushErr makes Flush fail for a document.
func (s *FakeDocStore) SetFlushErr(docID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushErr[docID] = err
}

func (s *FakeDocStore) Flush(ctx context.Context, docID string) error {
	s.mu.Lock()
	delay := s.flushDelay[docID]
	err := s.flushErr[docID]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.flushed = append(s.flushed, docID)
	s.mu.Unlock()

	return nil
}

func (s *FakeDocStore) Load(_ context.Context, docID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open[docID], nil
}

func (s *FakeDocStore) InterruptAllClients(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interrupted = append(s.interrupted, docID)
}

func (s *FakeDocStore) SetMuted(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted[docID] = true
}

func (s *FakeDocStore) IsMuted(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.muted[docID]
}

func (s *FakeDocStore) Shutdown(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = append(s.shutdown, docID)
	s.open[docID] = false

	return nil
}

func (s *FakeDocStore) CloseAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closedAll = true
	for docID := range s.open {
		s.open[docID] = false
	}

	return nil
}

// Flushed returns the documents flushed so far.
func (s *FakeDocStore) Flushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.flushed...)
}

// Interrupted returns the documents whose clients were dropped.
func (s *FakeDocStore) Interrupted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.interrupted...)
}

// ShutdownDocs returns the documents shut down individually.
func (s *FakeDocStore) ShutdownDocs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.shutdown...)
}

// ClosedAll reports whether CloseAll was called.
func (s *FakeDocStore) ClosedAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closedAll
}

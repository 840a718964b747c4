// Package store implements the persisted packet store: an append-only,
// session-keyed log multiplexing many (feed, session) keys onto one file
// per key. Appends are flushed to disk before returning so a crash after a
// successful append never loses a datagram.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FallbackDir is the sub-directory receiving datagrams that could not be
// routed to a (feed, session) key.
const FallbackDir = "unrouted"

type key struct {
	dir     string
	session string
}

type handle struct {
	f         *os.File
	lastWrite time.Time
}

func (h *handle) close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Store is a persisted packet store rooted at a single directory, laid out
// as one file per session key inside one directory per feed:
//
//	<root>/<feed>/<session key>.txt
//
// Open file handles are cached per key and bounded two ways: an LRU cap on
// the total count, and a janitor closing handles idle for longer than the
// configured timeout. A closed handle is reopened transparently on the
// next append for its key, so eviction is invisible to callers.
type Store struct {
	root string
	idle time.Duration
	log  *zap.Logger

	mu       sync.Mutex
	handles  *lru.Cache[key, *handle]
	closeErr error

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// New returns a Store rooted at root, creating it if necessary. An
// unwritable root is reported here so the process can fail before any
// datagram is accepted.
func New(root string, maxOpen int, idle time.Duration, logger *zap.Logger) (*Store, error) {
	if maxOpen < 1 {
		return nil, errors.New("max open handles must be at least 1")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("storage root is not writable: %w", err)
	}
	probeName := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probeName)

	s := &Store{
		root:        root,
		idle:        idle,
		log:         logger,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if s.handles, err = lru.NewWithEvict(maxOpen, s.onEvict); err != nil {
		return nil, err
	}

	if idle > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}
	return s, nil
}

// onEvict runs inside cache operations, which only happen with s.mu held.
func (s *Store) onEvict(k key, h *handle) {
	if err := h.close(); err != nil {
		s.log.Error("Failed to close session log",
			zap.String("feed", k.dir), zap.String("session", k.session), zap.Error(err))
		s.closeErr = multierr.Append(s.closeErr, err)
	}
}

// Append writes one datagram record to the session log for (dir, session),
// creating directories, file and handle as needed. The record is fsynced
// before returning. On a write or sync failure the handle is closed and
// dropped so the next append for the key starts from a fresh handle.
func (s *Store) Append(dir, session string, ts time.Time, payload []byte) error {
	if strings.ContainsAny(dir, `/\`) || strings.ContainsAny(session, `/\`) {
		return fmt.Errorf("storage key %q/%q contains a path separator", dir, session)
	}

	record := make([]byte, 0, len(payload)+40)
	record = append(record, ts.UTC().Format(time.RFC3339Nano)...)
	record = append(record, ';')
	record = append(record, payload...)
	record = append(record, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{dir: dir, session: session}
	h, ok := s.handles.Get(k)
	if !ok {
		var err error
		if h, err = s.open(k); err != nil {
			return err
		}
		s.handles.Add(k, h)
	}

	if _, err := h.f.Write(record); err != nil {
		s.handles.Remove(k)
		return fmt.Errorf("failed to append to session log %v/%v: %w", dir, session, err)
	}
	if err := h.f.Sync(); err != nil {
		s.handles.Remove(k)
		return fmt.Errorf("failed to flush session log %v/%v: %w", dir, session, err)
	}
	h.lastWrite = time.Now()
	return nil
}

// AppendFallback writes one unroutable datagram to the fallback store,
// one file per receipt day.
func (s *Store) AppendFallback(ts time.Time, payload []byte) error {
	return s.Append(FallbackDir, ts.UTC().Format("20060102"), ts, payload)
}

func (s *Store) open(k key) (*handle, error) {
	dir := filepath.Join(s.root, k.dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feed directory %v: %w", k.dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, k.session+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log %v/%v: %w", k.dir, k.session, err)
	}
	return &handle{f: f, lastWrite: time.Now()}, nil
}

func (s *Store) janitor() {
	defer close(s.janitorDone)

	interval := s.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.sweep(now)
		case <-s.janitorStop:
			return
		}
	}
}

// sweep closes handles that have been idle for at least the idle timeout.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.handles.Keys() {
		if h, ok := s.handles.Peek(k); ok && now.Sub(h.lastWrite) >= s.idle {
			s.handles.Remove(k)
		}
	}
}

// OpenHandles returns the number of currently cached handles.
func (s *Store) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.Len()
}

// Close closes every cached handle, returning the aggregated close errors.
// Every append already reached durable storage, so errors here are
// reported for the operator's benefit only.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
	})
	<-s.janitorDone

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles.Purge()
	err := s.closeErr
	s.closeErr = nil
	return err
}

package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	MaxSize       int64
	MaxItems      int
	MaxBlobSize   int64
	TTL           time.Duration
	PublicBaseURL string
}

// MemoryStats holds store statistics.
type MemoryStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type memoryEntry struct {
	data      []byte
	metadata  codec.WireMetadata
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore keeps blobs in process memory with a per-blob TTL.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	size    int64
	stats   MemoryStats

	cfg     MemoryConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store. Zero limits mean unlimited.
func NewMemoryStore(cfg MemoryConfig, logger *logrus.Logger, m *metrics.Metrics) *MemoryStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Put stores a copy of ciphertext.
func (s *MemoryStore) Put(ctx context.Context, ciphertext []byte, metadata codec.WireMetadata) (PutResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	if err := metadata.Validate(); err != nil {
		s.metrics.RecordBlobError("put", BackendMemory, "invalid_metadata")
		return PutResult{}, err
	}
	entrySize := int64(len(ciphertext))
	if s.cfg.MaxBlobSize > 0 && entrySize > s.cfg.MaxBlobSize {
		s.metrics.RecordBlobError("put", BackendMemory, "too_large")
		return PutResult{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, entrySize, s.cfg.MaxBlobSize)
	}

	id := NewID()
	url, err := downloadURL(s.cfg.PublicBaseURL, id)
	if err != nil {
		return PutResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpiredLocked(now)
	if !s.fitsLocked(entrySize) {
		s.metrics.RecordBlobError("put", BackendMemory, "store_full")
		return PutResult{}, fmt.Errorf("%w: %d items, %d bytes", ErrStoreFull, len(s.entries), s.size)
	}

	entry := &memoryEntry{
		data:      append([]byte(nil), ciphertext...),
		metadata:  metadata,
		expiresAt: expiry(now, s.cfg.TTL),
	}
	s.entries[id] = entry
	s.size += entrySize

	s.metrics.RecordBlobOperation("put", BackendMemory, time.Since(start), entrySize)
	s.metrics.SetBlobsStored(len(s.entries))
	s.logger.WithFields(logrus.Fields{
		"blob_id": id,
		"bytes":   entrySize,
	}).Debug("Stored blob")

	return PutResult{ID: id, DownloadURL: url, ExpiresAt: entry.expiresAt}, nil
}

// Get returns a copy of the blob.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Object, error) {
	start := time.Now()
	entry, err := s.lookup(ctx, id, "get")
	if err != nil {
		return nil, err
	}
	s.metrics.RecordBlobOperation("get", BackendMemory, time.Since(start), int64(len(entry.data)))
	return &Object{
		ID:         id,
		Ciphertext: entry.data,
		Metadata:   entry.metadata,
		ExpiresAt:  entry.expiresAt,
	}, nil
}

// Stat returns the blob metadata.
func (s *MemoryStore) Stat(ctx context.Context, id string) (codec.WireMetadata, error) {
	start := time.Now()
	entry, err := s.lookup(ctx, id, "stat")
	if err != nil {
		return codec.WireMetadata{}, err
	}
	s.metrics.RecordBlobOperation("stat", BackendMemory, time.Since(start), 0)
	return entry.metadata, nil
}

// lookup returns a snapshot of the entry with its data copied.
func (s *MemoryStore) lookup(ctx context.Context, id, op string) (memoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return memoryEntry{}, err
	}
	if err := ValidateID(id); err != nil {
		s.metrics.RecordBlobError(op, BackendMemory, "invalid_id")
		return memoryEntry{}, fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.expired(s.now()) {
		s.stats.Misses++
		s.metrics.RecordBlobError(op, BackendMemory, "not_found")
		return memoryEntry{}, fmt.Errorf("blob %s: %w", id, zkerr.ErrNotFound)
	}
	s.stats.Hits++
	return memoryEntry{
		data:      append([]byte(nil), entry.data...),
		metadata:  entry.metadata,
		expiresAt: entry.expiresAt,
	}, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		s.size -= int64(len(entry.data))
		delete(s.entries, id)
		s.metrics.SetBlobsStored(len(s.entries))
	}
	return nil
}

// Sweep removes expired blobs and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.evictExpiredLocked(s.now())
	if n > 0 {
		s.metrics.SetBlobsStored(len(s.entries))
	}
	return n
}

// StartJanitor sweeps expired blobs every interval until stop is closed.
func (s *MemoryStore) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.WithField("evicted", n).Debug("Swept expired blobs")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Size = s.size
	stats.Items = len(s.entries)
	return stats
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (s *MemoryStore) evictExpiredLocked(now time.Time) int {
	n := 0
	for id, entry := range s.entries {
		if entry.expired(now) {
			s.size -= int64(len(entry.data))
			delete(s.entries, id)
			s.stats.Evictions++
			n++
		}
	}
	return n
}

// fitsLocked reports whether a new entry fits (must be called with lock held).
// Live blobs are never evicted to make room.
func (s *MemoryStore) fitsLocked(entrySize int64) bool {
	if s.cfg.MaxItems > 0 && len(s.entries) >= s.cfg.MaxItems {
		return false
	}
	if s.cfg.MaxSize > 0 && s.size+entrySize > s.cfg.MaxSize {
		return false
	}
	return true
}

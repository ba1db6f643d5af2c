package greeks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAge is the staleness horizon beyond which a cached snapshot
// is no longer trusted.
const DefaultMaxAge = 48 * time.Hour

// Store holds the last-known Greeks per option identity. Get and LoadAll
// never return records older than the staleness horizon; expired records
// remain on disk until superseded. Flush persists the current state and
// is the only operation whose failure is fatal to a reconciliation pass.
type Store interface {
	Get(id models.OptionIdentity) (models.GreeksSnapshot, bool)
	Put(snap models.GreeksSnapshot) error
	LoadAll() map[string]models.GreeksSnapshot
	Flush() error
}

type cacheRecord struct {
	Symbol     string             `json:"symbol"`
	Expiry     string             `json:"expiry"`
	Strike     float64            `json:"strike"`
	Right      models.OptionRight `json:"right"`
	Exchange   string             `json:"exchange"`
	Currency   string             `json:"currency"`
	Delta      float64            `json:"delta"`
	Gamma      float64            `json:"gamma"`
	Theta      float64            `json:"theta"`
	Vega       float64            `json:"vega"`
	CapturedAt time.Time          `json:"captured_at"`
}

type cacheFile struct {
	UpdatedAt time.Time              `json:"updated_at"`
	Entries   map[string]cacheRecord `json:"entries"`
}

// FileStore is the durable Store implementation: a single JSON file,
// loaded in full at construction and rewritten in full on Flush. The
// file is single-writer; concurrent invocations against the same path
// are not supported.
type FileStore struct {
	path   string
	maxAge time.Duration
	logger *logrus.Logger

	mu        sync.RWMutex
	entries   map[string]models.GreeksSnapshot
	updatedAt time.Time

	now func() time.Time
}

// NewFileStore loads the cache at path. A missing file starts empty; a
// corrupt or unreadable file is logged as a warning and also starts
// empty, never failing construction.
func NewFileStore(path string, maxAge time.Duration, logger *logrus.Logger) *FileStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	s := &FileStore{
		path:    path,
		maxAge:  maxAge,
		logger:  logger,
		entries: make(map[string]models.GreeksSnapshot),
		now:     time.Now,
	}
	s.load()
	return s
}

func (s *FileStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("path", s.path).Warn("Greeks cache unreadable, starting empty")
		}
		return
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Greeks cache corrupt, starting empty")
		return
	}

	for key, rec := range file.Entries {
		s.entries[key] = models.GreeksSnapshot{
			Identity: models.OptionIdentity{
				Symbol:   rec.Symbol,
				Expiry:   rec.Expiry,
				Strike:   rec.Strike,
				Right:    rec.Right,
				Exchange: rec.Exchange,
				Currency: rec.Currency,
			},
			Delta:      rec.Delta,
			Gamma:      rec.Gamma,
			Theta:      rec.Theta,
			Vega:       rec.Vega,
			CapturedAt: rec.CapturedAt,
			Source:     models.SourceCache,
		}
	}
	s.updatedAt = file.UpdatedAt
	s.logger.WithFields(logrus.Fields{
		"path":    s.path,
		"entries": len(s.entries),
	}).Debug("Loaded Greeks cache")
}

// Get returns the stored snapshot for id if present and younger than the
// staleness horizon. Expired records are reported absent without being
// deleted.
func (s *FileStore) Get(id models.OptionIdentity) (models.GreeksSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.entries[id.Key()]
	if !ok || snap.Age(s.now()) >= s.maxAge {
		return models.GreeksSnapshot{}, false
	}
	return snap, true
}

// Put overwrites the record for snap's identity. Snapshots with a future
// capture time are rejected; snapshots older than the existing record are
// ignored so capture times stay non-decreasing per identity.
func (s *FileStore) Put(snap models.GreeksSnapshot) error {
	now := s.now()
	if snap.CapturedAt.After(now) {
		return fmt.Errorf("snapshot for %s captured in the future (%s)", snap.Identity, snap.CapturedAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.Identity.Key()
	if existing, ok := s.entries[key]; ok && existing.CapturedAt.After(snap.CapturedAt) {
		return nil
	}
	s.entries[key] = snap
	return nil
}

// LoadAll returns every non-expired record, keyed by identity.
func (s *FileStore) LoadAll() map[string]models.GreeksSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[string]models.GreeksSnapshot, len(s.entries))
	for key, snap := range s.entries {
		if snap.Age(now) >= s.maxAge {
			continue
		}
		out[key] = snap
	}
	return out
}

// Flush rewrites the cache file with the full current state, including
// logically expired records, via a temp-file rename.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := cacheFile{
		UpdatedAt: s.now(),
		Entries:   make(map[string]cacheRecord, len(s.entries)),
	}
	for key, snap := range s.entries {
		file.Entries[key] = cacheRecord{
			Symbol:     snap.Identity.Symbol,
			Expiry:     snap.Identity.Expiry,
			Strike:     snap.Identity.Strike,
			Right:      snap.Identity.Right,
			Exchange:   snap.Identity.Exchange,
			Currency:   snap.Identity.Currency,
			Delta:      snap.Delta,
			Gamma:      snap.Gamma,
			Theta:      snap.Theta,
			Vega:       snap.Vega,
			CapturedAt: snap.CapturedAt,
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding greeks cache: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing greeks cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing greeks cache: %w", err)
	}

	s.updatedAt = file.UpdatedAt
	s.logger.WithFields(logrus.Fields{
		"path":    s.path,
		"entries": len(file.Entries),
	}).Info("Persisted Greeks cache")
	return nil
}

// Info describes the cache file for diagnostics.
type Info struct {
	Path      string
	UpdatedAt time.Time
	Age       time.Duration
	Entries   int
}

func (s *FileStore) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		Path:      s.path,
		UpdatedAt: s.updatedAt,
		Age:       s.now().Sub(s.updatedAt),
		Entries:   len(s.entries),
	}
}

// MemoryStore is a non-durable Store used by tests and as a fallback
// when no cache path is configured. Flush is a no-op.
type MemoryStore struct {
	mu      sync.RWMutex
	maxAge  time.Duration
	entries map[string]models.GreeksSnapshot

	now func() time.Time
}

func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &MemoryStore{
		maxAge:  maxAge,
		entries: make(map[string]models.GreeksSnapshot),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(id models.OptionIdentity) (models.GreeksSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.entries[id.Key()]
	if !ok || snap.Age(s.now()) >= s.maxAge {
		return models.GreeksSnapshot{}, false
	}
	return snap, true
}

func (s *MemoryStore) Put(snap models.GreeksSnapshot) error {
	now := s.now()
	if snap.CapturedAt.After(now) {
		return fmt.Errorf("snapshot for %s captured in the future (%s)", snap.Identity, snap.CapturedAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.Identity.Key()
	if existing, ok := s.entries[key]; ok && existing.CapturedAt.After(snap.CapturedAt) {
		return nil
	}
	s.entries[key] = snap
	return nil
}

func (s *MemoryStore) LoadAll() map[string]models.GreeksSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[string]models.GreeksSnapshot, len(s.entries))
	for key, snap := range s.entries {
		if snap.Age(now) >= s.maxAge {
			continue
		}
		out[key] = snap
	}
	return out
}

func (s *MemoryStore) Flush() error { return nil }

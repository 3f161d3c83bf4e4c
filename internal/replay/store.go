package replay

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/rooms"
)

// RetentionPolicy defines how many bundles are retained on disk. Zero values disable a limit.
type RetentionPolicy struct {
	MaxMatches int
	MaxAge     time.Duration
}

// StorageStats summarises the replay directory.
type StorageStats struct {
	Active    int       `json:"active"`
	Opened    int64     `json:"opened"`
	Bundles   int       `json:"bundles"`
	Bytes     int64     `json:"bytes"`
	Pruned    int64     `json:"pruned"`
	LastSweep time.Time `json:"last_sweep"`
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock injects the time source used for bundle names and retention.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *logging.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithParams records match tuning in every header.
func WithParams(params Parameters) StoreOption {
	return func(s *Store) { s.params = params.Clone() }
}

// Store opens one bundle per match under a root directory and prunes old ones.
type Store struct {
	root   string
	policy RetentionPolicy
	params Parameters
	now    func() time.Time
	log    *logging.Logger

	mu    sync.Mutex
	stats StorageStats
}

// NewStore prepares root and returns a store writing bundles into it.
func NewStore(root string, policy RetentionPolicy, opts ...StoreOption) (*Store, error) {
	store := &Store{root: root, policy: policy, now: time.Now, log: logging.L()}
	for _, opt := range opts {
		opt(store)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return store, nil
}

// Open starts a bundle for matchID. It satisfies match.RecorderFactory.
func (s *Store) Open(matchID string) (match.Recorder, error) {
	_, matchType, err := rooms.ParseMatchID(matchID)
	if err != nil {
		return nil, err
	}
	writer, _, err := NewWriter(s.root, Header{MatchID: matchID, MatchType: int(matchType), Params: s.params}, s.now)
	if err != nil {
		return nil, err
	}
	writer.onClose = func() {
		s.mu.Lock()
		s.stats.Active--
		s.mu.Unlock()
		s.log.Debug("replay closed", logging.Match(matchID), logging.String("directory", writer.Directory()))
	}

	s.mu.Lock()
	s.stats.Active++
	s.stats.Opened++
	s.mu.Unlock()
	return writer, nil
}

// Stats returns the counters from the last sweep plus live writer counts.
func (s *Store) Stats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type bundle struct {
	path    string
	size    int64
	modTime time.Time
	closed  bool
}

// Prune removes bundles beyond the retention policy. Bundles still being
// written are never removed and do not count against MaxMatches.
func (s *Store) Prune() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", s.root))
		return
	}

	//1.- Collect closed bundles newest first.
	var bundles []bundle
	open := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b := s.inspect(filepath.Join(s.root, entry.Name()))
		if !b.closed {
			open++
			continue
		}
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	//2.- Walk the list keeping bundles until a limit is hit.
	now := s.now()
	kept, pruned := 0, int64(0)
	var bytes int64
	for _, b := range bundles {
		var reasons []string
		if s.policy.MaxMatches > 0 && kept >= s.policy.MaxMatches {
			reasons = append(reasons, "max_matches")
		}
		if s.policy.MaxAge > 0 && now.Sub(b.modTime) > s.policy.MaxAge {
			reasons = append(reasons, "max_age")
		}
		if len(reasons) == 0 {
			kept++
			bytes += b.size
			continue
		}
		if err := os.RemoveAll(b.path); err != nil {
			s.log.Warn("replay retention removal failed", logging.Error(err), logging.String("directory", b.path))
			kept++
			bytes += b.size
			continue
		}
		pruned++
		s.log.Info("replay pruned", logging.String("directory", b.path), logging.String("reason", strings.Join(reasons, ",")))
	}

	s.mu.Lock()
	s.stats.Bundles = kept + open
	s.stats.Bytes = bytes
	s.stats.Pruned += pruned
	s.stats.LastSweep = now
	s.mu.Unlock()
}

func (s *Store) inspect(path string) bundle {
	b := bundle{path: path}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		b.size += info.Size()
		if info.ModTime().After(b.modTime) {
			b.modTime = info.ModTime()
		}
		if d.Name() == headerFile {
			b.closed = true
		}
		return nil
	})
	return b
}

package blocklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/models"
)

const DefaultRefreshInterval = 5 * time.Minute

var ErrEmptyAddress = errors.New("address is required")

type Options struct {
	Path            string
	RefreshInterval time.Duration
	// Ephemeral disables enforcement, reloads and persistence.
	Ephemeral bool
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type snapshot struct {
	entries map[string]models.BlocklistEntry
	updated time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{entries: map[string]models.BlocklistEntry{}}
}

func (s *snapshot) clone() map[string]models.BlocklistEntry {
	out := make(map[string]models.BlocklistEntry, len(s.entries)+1)
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *snapshot) addresses() []string {
	out := make([]string, 0, len(s.entries))
	for ip := range s.entries {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Store is the set of blocked addresses. Readers see an immutable snapshot
// swapped in atomically; mutations and reloads are serialized by mu.
type Store struct {
	opts   Options
	logger *zap.Logger

	current atomic.Pointer[snapshot]

	mu        sync.Mutex
	lastLoad  time.Time
	lastCheck atomic.Int64
}

func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{opts: opts, logger: logger.Named("blocklist")}
	s.current.Store(emptySnapshot())
	s.lastCheck.Store(opts.Now().UnixNano())

	if opts.Ephemeral {
		s.logger.Info("blocklist running in ephemeral mode")
		return s
	}
	if err := s.Reload(); err != nil {
		s.logger.Warn("failed to load blocklist snapshot", zap.String("path", opts.Path), zap.Error(err))
	}
	return s
}

// IsBlocked answers from memory. Once per refresh interval a single caller
// checks the snapshot file and reloads it when it changed since the last load.
func (s *Store) IsBlocked(ip string) bool {
	if s.opts.Ephemeral {
		return false
	}

	now := s.opts.Now()
	last := s.lastCheck.Load()
	if now.Sub(time.Unix(0, last)) > s.opts.RefreshInterval && s.mu.TryLock() {
		if s.lastCheck.CompareAndSwap(last, now.UnixNano()) {
			if err := s.reloadIfChanged(); err != nil {
				s.logger.Warn("blocklist reload failed", zap.Error(err))
			}
		}
		s.mu.Unlock()
	}

	_, blocked := s.current.Load().entries[strings.TrimSpace(ip)]
	return blocked
}

// Block adds ip or refreshes its reason, then persists the full set. When
// persisting fails the in-memory set is left as it was.
func (s *Store) Block(ip, reason string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ErrEmptyAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now().UTC()
	entries := s.current.Load().clone()
	entries[ip] = models.BlocklistEntry{IP: ip, Reason: reason, BlockedAt: now}

	if err := s.commit(entries, reason, now); err != nil {
		return fmt.Errorf("block %s: %w", ip, err)
	}
	s.logger.Info("address blocked", zap.String("ip", ip), zap.String("reason", reason))
	return nil
}

// Unblock removes ip. Removing an address that is not blocked is a no-op.
func (s *Store) Unblock(ip string) error {
	ip = strings.TrimSpace(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.entries[ip]; !ok {
		return nil
	}

	entries := cur.clone()
	delete(entries, ip)
	if err := s.commit(entries, "Manual unblock of "+ip, s.opts.Now().UTC()); err != nil {
		return fmt.Errorf("unblock %s: %w", ip, err)
	}
	s.logger.Info("address unblocked", zap.String("ip", ip))
	return nil
}

// commit must be called with mu held.
func (s *Store) commit(entries map[string]models.BlocklistEntry, reason string, now time.Time) error {
	next := &snapshot{entries: entries, updated: now}

	if !s.opts.Ephemeral {
		if err := s.persist(next, reason); err != nil {
			return err
		}
		if info, err := os.Stat(s.opts.Path); err == nil {
			s.lastLoad = info.ModTime()
		} else {
			s.lastLoad = now
		}
	}

	s.current.Store(next)
	s.opts.Metrics.SetBlocklistSize(len(entries))
	return nil
}

func (s *Store) persist(snap *snapshot, reason string) error {
	ips := snap.addresses()
	doc := models.BlocklistSnapshot{
		Timestamp: snap.updated,
		Reason:    reason,
		IPs:       ips,
		Count:     len(ips),
		Entries:   make([]models.BlocklistEntry, 0, len(ips)),
	}
	for _, ip := range ips {
		doc.Entries = append(doc.Entries, snap.entries[ip])
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0750); err != nil {
		return fmt.Errorf("create blocklist directory: %w", err)
	}
	return atomicWriteFile(s.opts.Path, data, 0640)
}

// Reload reads the snapshot file unconditionally. A missing file yields an
// empty set.
func (s *Store) Reload() error {
	if s.opts.Ephemeral {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

func (s *Store) reloadIfChanged() error {
	info, err := os.Stat(s.opts.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.ModTime().After(s.lastLoad) {
		return nil
	}
	return s.load()
}

func (s *Store) load() error {
	snap, modTime, err := readSnapshot(s.opts.Path)
	s.opts.Metrics.BlocklistLoaded(err)
	if err != nil {
		return err
	}

	s.lastLoad = modTime
	s.current.Store(snap)
	s.opts.Metrics.SetBlocklistSize(len(snap.entries))
	s.logger.Debug("blocklist loaded", zap.Int("count", len(snap.entries)))
	return nil
}

func readSnapshot(path string) (*snapshot, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return emptySnapshot(), time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat blocklist: %w", err)
	}

	var doc models.BlocklistSnapshot
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode blocklist: %w", err)
	}

	details := make(map[string]models.BlocklistEntry, len(doc.Entries))
	for _, e := range doc.Entries {
		details[strings.TrimSpace(e.IP)] = e
	}

	// ips is the blocked set; entries only carry per-address detail.
	snap := &snapshot{
		entries: make(map[string]models.BlocklistEntry, len(doc.IPs)),
		updated: doc.Timestamp,
	}
	for _, ip := range doc.IPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		entry, ok := details[ip]
		if !ok {
			entry = models.BlocklistEntry{Reason: doc.Reason, BlockedAt: doc.Timestamp}
		}
		entry.IP = ip
		snap.entries[ip] = entry
	}
	return snap, info.ModTime(), nil
}

func (s *Store) Stats() models.BlocklistStats {
	snap := s.current.Load()
	return models.BlocklistStats{
		Count:      len(snap.entries),
		LastUpdate: snap.updated,
		Addresses:  snap.addresses(),
	}
}

func (s *Store) Entries() []models.BlocklistEntry {
	snap := s.current.Load()
	out := make([]models.BlocklistEntry, 0, len(snap.entries))
	for _, ip := range snap.addresses() {
		out = append(out, snap.entries[ip])
	}
	return out
}

func (s *Store) Contains(ip string) bool {
	_, ok := s.current.Load().entries[strings.TrimSpace(ip)]
	return ok
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	return nil
}

// Package eventstore implements the append-only, monotonically-ordered
// per-task event log (C1). One JSONL file holds one task's events; a
// per-task mutex serializes appends and guarantees readers never observe
// a torn line concurrent with its append.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/taskexec/internal/domain"
)

var pathComponentPattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitize keeps only [A-Za-z0-9._-] from s; an empty result is replaced
// with "_" so it never collapses the path segment away entirely.
func sanitize(s string) string {
	cleaned := pathComponentPattern.ReplaceAllString(s, "")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

// record is the on-disk line shape: {"id": N, "event": {...}}. The event
// object embeds its own "type" field per spec.md §6.3.
type record struct {
	ID    int64         `json:"id"`
	Event domain.Event  `json:"event"`
}

// Store manages per-task JSONL files under a base directory.
type Store struct {
	baseDir string
	fsync   bool

	mu    sync.Mutex // guards locks and counters maps
	locks map[domain.Key]*sync.Mutex
	seq   map[domain.Key]int64
}

// New creates an event store rooted at baseDir. fsync controls whether
// each append is followed by an fsync (EVENTS_FSYNC config flag).
func New(baseDir string, fsync bool) *Store {
	return &Store{
		baseDir: baseDir,
		fsync:   fsync,
		locks:   make(map[domain.Key]*sync.Mutex),
		seq:     make(map[domain.Key]int64),
	}
}

func (s *Store) pathFor(key domain.Key) string {
	return filepath.Join(s.baseDir, sanitize(key.ClientID), sanitize(key.RequestID)+".jsonl")
}

// lockFor returns the per-key mutex, creating it on first use. Per the
// source's "per-key locking" design note, entries are never removed —
// their cost is bounded by the number of distinct keys ever seen.
func (s *Store) lockFor(key domain.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// scanMaxID reads the file once to find the highest existing id, tolerating
// a partial or corrupted last line.
func scanMaxID(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var max int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // corrupted/partial line: skip, don't rewrite
		}
		if r.ID > max {
			max = r.ID
		}
	}
	return max, nil
}

// nextID returns the next id to assign for key, initializing the in-memory
// counter from disk on first use. Caller must hold key's lock.
func (s *Store) nextID(key domain.Key) (int64, error) {
	s.mu.Lock()
	cur, known := s.seq[key]
	s.mu.Unlock()
	if !known {
		max, err := scanMaxID(s.pathFor(key))
		if err != nil {
			return 0, fmt.Errorf("scan existing events for %s/%s: %w", key.ClientID, key.RequestID, err)
		}
		cur = max
	}
	cur++
	s.mu.Lock()
	s.seq[key] = cur
	s.mu.Unlock()
	return cur, nil
}

// Append writes event to key's log and returns its assigned id.
func (s *Store) Append(key domain.Key, event domain.Event) (int64, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	id, err := s.nextID(key)
	if err != nil {
		return 0, err
	}
	event.ID = id

	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create event dir for %s/%s: %w", key.ClientID, key.RequestID, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open event log for %s/%s: %w", key.ClientID, key.RequestID, err)
	}
	defer f.Close()

	data, err := json.Marshal(record{ID: id, Event: event})
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write event for %s/%s: %w", key.ClientID, key.RequestID, err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("fsync event for %s/%s: %w", key.ClientID, key.RequestID, err)
		}
	}
	return id, nil
}

// readFrom reads all events in key's log with id > afterID (afterID=0
// reads everything).
func (s *Store) readFrom(key domain.Key, afterID int64) ([]domain.Event, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []domain.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if r.ID > afterID {
			r.Event.ID = r.ID
			events = append(events, r.Event)
		}
	}
	return events, nil
}

// ReadAll returns every event recorded for key, in id order.
func (s *Store) ReadAll(key domain.Key) ([]domain.Event, error) {
	return s.readFrom(key, 0)
}

// ReadSince returns the events recorded for key with id > afterID, in id order.
func (s *Store) ReadSince(key domain.Key, afterID int64) ([]domain.Event, error) {
	return s.readFrom(key, afterID)
}

// DeleteSession removes key's event log file and drops its in-memory state.
func (s *Store) DeleteSession(key domain.Key) error {
	lock := s.lockFor(key)
	lock.Lock()
	err := os.Remove(s.pathFor(key))
	lock.Unlock()

	s.mu.Lock()
	delete(s.seq, key)
	s.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete event log for %s/%s: %w", key.ClientID, key.RequestID, err)
	}
	return nil
}

// ListSessions walks the base directory and returns every (client_id,
// request_id) pair with an event log on disk.
func (s *Store) ListSessions() ([]domain.Key, error) {
	var keys []domain.Key
	clientDirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list event store base dir: %w", err)
	}
	for _, cd := range clientDirs {
		if !cd.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.baseDir, cd.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
				continue
			}
			keys = append(keys, domain.Key{
				ClientID:  cd.Name(),
				RequestID: strings.TrimSuffix(e.Name(), ".jsonl"),
			})
		}
	}
	return keys, nil
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

type Store interface {
	// Session metadata (memory only)
	List() ([]SessionMeta, error)
	Get(sessionID string) (SessionMeta, bool, error)
	// Dir is the per-session directory for auxiliary state.
	Dir(sessionID string) string

	// Session metadata (with I/O)
	Ensure(ctx context.Context, sessionID, target string) (SessionMeta, bool, error)
	Delete(ctx context.Context, sessionID string) error
	SetAlive(ctx context.Context, sessionID string, alive bool) error

	// History persistence
	GetHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error)
	// AppendToHistory appends a JSON-serializable record to history.
	AppendToHistory(ctx context.Context, sessionID string, record any) error

	Close() error
}

type indexData struct {
	Sessions []SessionMeta `json:"sessions"`
}

// FileStore keeps the session index and per-session JSONL history under
// dataDir. Only one FileStore may use a dataDir at a time; NewFileStore
// takes an exclusive file lock and Close releases it.
type FileStore struct {
	dataDir  string
	lock     *flock.Flock
	mu       sync.RWMutex
	sessions []SessionMeta // in-memory cache
}

func NewFileStore(dataDir string) (*FileStore, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dataDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dataDir)
	}

	store := &FileStore{dataDir: dataDir, lock: lock}

	idx, err := store.readIndexFromDisk()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	store.sessions = idx.Sessions

	return store, nil
}

// Close releases the data directory lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "sessions", "index.json")
}

func (s *FileStore) Dir(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID)
}

func (s *FileStore) readIndexFromDisk() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Sessions: []SessionMeta{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, err
	}
	return idx, nil
}

func (s *FileStore) persistIndex() error {
	idx := indexData{Sessions: s.sessions}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0644)
}

func (s *FileStore) List() ([]SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]SessionMeta, len(s.sessions))
	copy(result, s.sessions)

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result, nil
}

func (s *FileStore) Get(sessionID string) (SessionMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(sessionID); i >= 0 {
		return s.sessions[i], true, nil
	}
	return SessionMeta{}, false, nil
}

func (s *FileStore) indexOf(sessionID string) int {
	for i, sess := range s.sessions {
		if sess.ID == sessionID {
			return i
		}
	}
	return -1
}

// Ensure returns the session with the given id, creating it as alive if
// it does not exist. created reports whether it was created.
func (s *FileStore) Ensure(ctx context.Context, sessionID, target string) (SessionMeta, bool, error) {
	if err := ctx.Err(); err != nil {
		return SessionMeta{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(sessionID); i >= 0 {
		return s.sessions[i], false, nil
	}

	now := time.Now()
	session := SessionMeta{
		ID:        sessionID,
		Target:    target,
		Alive:     true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.sessions = append([]SessionMeta{session}, s.sessions...)

	if err := s.persistIndex(); err != nil {
		s.sessions = s.sessions[1:]
		return SessionMeta{}, false, err
	}
	return session, true, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return err
	}

	newSessions := make([]SessionMeta, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ID != sessionID {
			newSessions = append(newSessions, sess)
		}
	}
	s.sessions = newSessions

	return s.persistIndex()
}

func (s *FileStore) SetAlive(ctx context.Context, sessionID string, alive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(sessionID)
	if i < 0 {
		return ErrSessionNotFound
	}
	if s.sessions[i].Alive == alive {
		return nil
	}
	s.sessions[i].Alive = alive
	s.sessions[i].UpdatedAt = time.Now()
	return s.persistIndex()
}

func (s *FileStore) historyPath(sessionID string) string {
	return filepath.Join(s.Dir(sessionID), "history.jsonl")
}

func (s *FileStore) GetHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.historyPath(sessionID)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Make a copy since scanner reuses the buffer
		record := make(json.RawMessage, len(line))
		copy(record, line)
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// Oversized record: return what was read before it.
			return records, fmt.Errorf("history of %s: %w", sessionID, err)
		}
		return nil, err
	}

	return records, nil
}

func (s *FileStore) AppendToHistory(ctx context.Context, sessionID string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(sessionID)
	if idx < 0 {
		return ErrSessionNotFound
	}

	path := s.historyPath(sessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	data = append(data, '\n')
	if _, err = file.Write(data); err != nil {
		return err
	}

	s.sessions[idx].UpdatedAt = time.Now()
	return s.persistIndex()
}

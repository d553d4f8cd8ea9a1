// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/khappy/internal/types"
)

// TranscriptStore is a JSONL-backed append-only kBot history.
// Turns are stored per key in transcripts/<key>.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.TranscriptKey]*sync.Mutex
}

// NewTranscriptStore creates a new file-backed TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.TranscriptKey]*sync.Mutex),
	}
}

// getLock returns the per-key mutex, creating one if it doesn't exist.
func (s *TranscriptStore) getLock(key types.TranscriptKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *TranscriptStore) path(key types.TranscriptKey) string {
	return filepath.Join(s.root, "transcripts", url.PathEscape(string(key))+".jsonl")
}

// count reads the transcript and counts lines. Caller must hold the key lock.
func (s *TranscriptStore) count(key types.TranscriptKey) (int64, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// Append adds a turn with the next sequence number.
func (s *TranscriptStore) Append(_ context.Context, key types.TranscriptKey, role, content string) error {
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path(key)), 0o755); err != nil {
		return fmt.Errorf("create transcripts dir: %w", err)
	}

	existing, err := s.count(key)
	if err != nil {
		return err
	}
	turn := types.TranscriptTurn{
		Seq:     existing + 1,
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	f, err := os.OpenFile(s.path(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	return nil
}

// Tail returns the last limit turns in order. A limit <= 0 returns all.
func (s *TranscriptStore) Tail(_ context.Context, key types.TranscriptKey, limit int) ([]*types.TranscriptTurn, error) {
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var turns []*types.TranscriptTurn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var turn types.TranscriptTurn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Count returns the number of turns stored under key.
func (s *TranscriptStore) Count(_ context.Context, key types.TranscriptKey) (int64, error) {
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	return s.count(key)
}

// Reset drops the history for key.
func (s *TranscriptStore) Reset(_ context.Context, key types.TranscriptKey) error {
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	return nil
}

package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash for the first entry in a new receipt log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// chainEntry is one line in the hash-chained JSONL receipt log.
// A struct (not a map) keeps json.Marshal field order stable for hashing.
type chainEntry struct {
	Receipt
	PrevHash string `json:"prevHash"`
}

// FileStore is an append-only JSONL receipt log with SHA-256 hash chaining.
// Each line's prevHash is the hash of the previous line, so any edit,
// deletion or reordering is detected by Verify.
type FileStore struct {
	path     string
	file     *os.File
	prevHash string

	mu        sync.Mutex
	receipts  []Receipt
	workflows map[string]bool
}

// OpenFile opens (or creates) a receipt log for appending. Existing lines
// are loaded to recover the chain tail and to serve List.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	s := &FileStore{path: path, prevHash: GenesisHash, workflows: make(map[string]bool)}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	s.file = file
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		var e chainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: parse existing log: %w", err)
		}
		s.receipts = append(s.receipts, e.Receipt)
		s.workflows[e.WorkflowID] = true
		last = append(last[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan existing log: %w", err)
	}
	if len(last) > 0 {
		s.prevHash = HashLine(last)
	}
	return nil
}

// Insert implements Store. The line is fsynced before Insert returns.
func (s *FileStore) Insert(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workflows[r.WorkflowID] {
		return ErrDuplicateWorkflow
	}

	line, err := json.Marshal(chainEntry{Receipt: r, PrevHash: s.prevHash})
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	s.prevHash = HashLine(line)
	s.receipts = append(s.receipts, r)
	s.workflows[r.WorkflowID] = true
	return nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, f Filter) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return selectNewest(s.receipts, f), nil
}

// Path returns the log file path.
func (s *FileStore) Path() string { return s.path }

// Close flushes and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

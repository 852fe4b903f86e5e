package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LedgerSuffix is appended to the archive path to name its ledger.
const LedgerSuffix = ".processed.jsonl"

// LedgerPath returns the ledger that belongs to the archive at archivePath.
// Each archive gets its own ledger so a fresh archive never inherits ids.
func LedgerPath(archivePath string) string {
	return archivePath + LedgerSuffix
}

// Tracker records which message ids have already been archived.
type Tracker interface {
	AlreadyProcessed(messageID string) bool
	MarkProcessed(messageID, hash string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

// Hash fingerprints a raw record the same way for every writer.
func Hash(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(messageID string) bool {
	if messageID == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[messageID]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(messageID, hash string) error {
	if messageID == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[messageID] = hash
	m.mu.Unlock()
	return nil
}

// Retain drops every entry keep rejects and returns how many were dropped.
func (m *MemoryTracker) Retain(keep func(messageID string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id := range m.processed {
		if !keep(id) {
			delete(m.processed, id)
			dropped++
		}
	}
	return dropped
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// FileTracker persists archived message ids so a later run does not archive
// a message twice when its remote delete failed.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	MessageID  string    `json:"message_id"`
	Hash       string    `json:"hash,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// NewFileTracker loads the ledger at path. With persist set, new entries
// are appended to it; otherwise the file is only read.
func NewFileTracker(path string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}

	if persist {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          path,
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return tracker, nil
}

func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.MessageID == "" {
			continue
		}

		f.mu.Lock()
		f.processed[record.MessageID] = record.Hash
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkProcessed records the id and appends it to the ledger. The line is
// flushed immediately: a crash between archive and delete must not lose it.
func (f *FileTracker) MarkProcessed(messageID, hash string) error {
	if messageID == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.processed[messageID]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[messageID] = hash
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{MessageID: messageID, Hash: hash, ArchivedAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}

	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}

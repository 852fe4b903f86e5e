package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mailtm-drain/model"
)

// DefaultPath is the archive document written when no path is configured.
const DefaultPath = "messages.json"

// Store persists message records before they are deleted remotely.
type Store interface {
	Append(ctx context.Context, msg model.Message) error
}

// Document is the on-disk shape of the archive.
type Document struct {
	Messages []json.RawMessage `json:"messages"`
}

// JSONFile keeps the archive as one JSON document. Every Append reads the
// whole document, adds the record and writes it back; the mutex makes that
// cycle a critical section for all workers sharing the store.
type JSONFile struct {
	mu   sync.Mutex
	path string
}

func NewJSONFile(path string) (*JSONFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	return &JSONFile{path: filepath.Clean(path)}, nil
}

func (s *JSONFile) Path() string {
	return s.path
}

func (s *JSONFile) Append(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, err := recordOf(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Messages = append(doc.Messages, record)

	if err := s.write(doc); err != nil {
		return err
	}
	return nil
}

// Load returns the current document. Missing or unparseable files yield an
// empty collection.
func (s *JSONFile) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *JSONFile) read() (Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyDocument(), nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("read archive: %w", err)
	}
	return decodeDocument(data), nil
}

// write replaces the archive atomically so readers never see a half-written
// document.
func (s *JSONFile) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

func decodeDocument(data []byte) Document {
	if len(bytes.TrimSpace(data)) == 0 {
		return emptyDocument()
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return emptyDocument()
	}
	list, ok := raw["messages"]
	if !ok {
		return emptyDocument()
	}

	var doc Document
	if err := json.Unmarshal(list, &doc.Messages); err != nil || doc.Messages == nil {
		return emptyDocument()
	}
	return doc
}

func emptyDocument() Document {
	return Document{Messages: []json.RawMessage{}}
}

func recordOf(msg model.Message) (json.RawMessage, error) {
	if len(msg.Raw) > 0 {
		if !json.Valid(msg.Raw) {
			return nil, fmt.Errorf("message %s: raw record is not valid json", msg.ID)
		}
		return msg.Raw, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// ReadMessages loads every record of the archive at path and decodes it.
func ReadMessages(path string) ([]model.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	doc := decodeDocument(data)
	return model.ParseMessages(doc.Messages)
}

// IDs returns the ids of every record in the archive at path. A missing or
// unreadable document holds no ids.
func IDs(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	msgs, _ := model.ParseMessages(decodeDocument(data).Messages)
	for _, msg := range msgs {
		ids[msg.ID] = struct{}{}
	}
	return ids, nil
}

package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// FileStore is the illustrative default store: all tenant records
// live in a single JSON file, keyed by domain. It is
// not meant for production use under concurrent processes — it holds
// no inter-process lock — but is adequate for a single client process
// and for tests.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the JSON file at path. A
// missing file reads as an empty store; the first Write creates it.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Read(ctx context.Context, hint types.Hint) (*types.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	record, ok := records[hint.Domain]
	if !ok {
		return nil, nil
	}
	return record, nil
}

func (s *FileStore) Write(ctx context.Context, record *types.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	records[record.Domain] = record
	return s.saveLocked(records)
}

func (s *FileStore) loadLocked() (map[string]*types.CredentialRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]*types.CredentialRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return make(map[string]*types.CredentialRecord), nil
	}
	var records map[string]*types.CredentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("credstore: decoding %s: %w", s.path, err)
	}
	if records == nil {
		records = make(map[string]*types.CredentialRecord)
	}
	return records, nil
}

func (s *FileStore) saveLocked(records map[string]*types.CredentialRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding records: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("credstore: writing %s: %w", s.path, err)
	}
	return nil
}

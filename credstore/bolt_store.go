package credstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

var bucketCredentials = []byte("credentials")

// BoltStore is the production-grade Store backend: one bucket,
// records marshaled as JSON and keyed by their domain. There is only
// one resource kind here, so it needs only one bucket.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a BoltDB file at path and
// ensures the credentials bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: creating bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying BoltDB file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Read(ctx context.Context, hint types.Hint) (*types.CredentialRecord, error) {
	var record *types.CredentialRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get([]byte(hint.Domain))
		if data == nil {
			return nil
		}
		record = &types.CredentialRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", hint.Domain, err)
	}
	return record, nil
}

func (s *BoltStore) Write(ctx context.Context, record *types.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("credstore: encoding record for %s: %w", record.Domain, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.Put([]byte(record.Domain), data)
	})
	if err != nil {
		return fmt.Errorf("credstore: writing %s: %w", record.Domain, err)
	}
	return nil
}

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	secretsBucket = "secrets"
	historyBucket = "history"
)

// BoltStore persists secrets and message history in a single bbolt
// file. It implements both SecureStore and HistorySink. The file is
// created with mode 0600; the store owns the file handle until Close.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(secretsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// StoreSecret writes data under name, replacing any previous value.
func (bs *BoltStore) StoreSecret(name string, data []byte) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Put([]byte(name), data)
	})
}

// LoadSecret returns the value stored under name.
func (bs *BoltStore) LoadSecret(name string) ([]byte, error) {
	var data []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(secretsBucket)).Get([]byte(name))
		if v == nil {
			return ErrSecretNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteSecret removes the value stored under name. Deleting an
// absent name is a no-op.
func (bs *BoltStore) DeleteSecret(name string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Delete([]byte(name))
	})
}

// AppendMessage adds one entry to the conversation's history. Entries
// are keyed by a monotonic sequence number so iteration returns them
// in append order.
func (bs *BoltStore) AppendMessage(conversationID string, sender [32]byte, body []byte, timestamp uint64) error {
	entry, err := cbor.Marshal(&StoredMessage{Sender: sender, Body: body, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		conv, err := tx.Bucket([]byte(historyBucket)).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return conv.Put(key[:], entry)
	})
}

// Messages returns the conversation's history in append order. An
// unknown conversation yields an empty slice.
func (bs *BoltStore) Messages(conversationID string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	err := bs.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket([]byte(historyBucket)).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(_, v []byte) error {
			var msg StoredMessage
			if err := cbor.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decode history entry: %w", err)
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Conversations lists the conversation IDs with stored history.
func (bs *BoltStore) Conversations() ([]string, error) {
	var ids []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(historyBucket)).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close flushes and closes the underlying database.
func (bs *BoltStore) Close() error {
	if err := bs.db.Sync(); err != nil {
		bs.db.Close()
		return err
	}
	return bs.db.Close()
}

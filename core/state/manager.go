package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"agrichain/storage"
)

// Manager provides typed access to the key-value store backing the simulated
// ledger. Values are RLP encoded. Write methods that read before they commit
// hold writeMu for the whole read-modify-write.
type Manager struct {
	db      storage.Database
	writeMu sync.Mutex
}

// NewManager wraps db. The manager does not take ownership of db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVPut encodes value and stores it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// kvBatch stages encoded writes that commit together through Commit.
type kvBatch struct {
	batch storage.Batch
	err   error
}

func (b *kvBatch) put(key []byte, value interface{}) {
	if b.err != nil {
		return
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		b.err = err
		return
	}
	b.batch.Put(key, encoded)
}

func (m *Manager) commit(b *kvBatch) error {
	if b.err != nil {
		return b.err
	}
	return m.db.Write(&b.batch)
}

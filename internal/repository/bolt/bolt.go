// Package bolt встроенное хранилище на bbolt для одноузловой установки (storage.driver=bolt).
// Значения хранятся в JSON, ключ пары: PairKey.String().
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPolicies   = []byte("policies")
	bucketTemplates  = []byte("templates")
	bucketInstallers = []byte("installers")
	bucketCounters   = []byte("counters")
	bucketHalted     = []byte("halted")
	bucketAudit      = []byte("audit")
	bucketUsers      = []byte("users")
)

var allBuckets = [][]byte{
	bucketPolicies, bucketTemplates, bucketInstallers, bucketCounters, bucketHalted, bucketAudit, bucketUsers,
}

// DB общий файл базы для всех репозиториев.
type DB struct {
	db *bolt.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: mkdir %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Policies() *PolicyRepo { return &PolicyRepo{db: d.db} }
func (d *DB) Counters() *CounterRepo { return &CounterRepo{db: d.db} }
func (d *DB) Halts() *HaltRepo { return &HaltRepo{db: d.db} }
func (d *DB) Audit() *AuditRepo { return &AuditRepo{db: d.db} }
func (d *DB) Users() *UserRepo { return &UserRepo{db: d.db} }

func get[T any](tx *bolt.Tx, bucket, key []byte) (T, bool, error) {
	var v T
	data := tx.Bucket(bucket).Get(key)
	if len(data) == 0 {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("bolt: corrupted %s/%s: %w", bucket, key, err)
	}
	return v, true, nil
}

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bolt: encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

// seqKey big-endian, чтобы курсор шел в порядке записи.
func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

package storage

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("settlement")

// BoltDB is a single-file key-value store backed by bbolt.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (and creates when missing) the bbolt file at path.
func NewBoltDB(path string, options *bolt.Options) (*BoltDB, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		// bbolt values are only valid inside the transaction.
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (b *BoltDB) NewBatch() Batch { return &boltBatch{db: b.db} }

func (b *BoltDB) Close() {
	_ = b.db.Close()
}

type boltBatch struct {
	db  *bolt.DB
	ops []batchOp
}

func (b *boltBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *boltBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
}

func (b *boltBatch) Len() int { return len(b.ops) }

func (b *boltBatch) Write() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBatch) Reset() { b.ops = b.ops[:0] }

// Open returns the backend named by kind: "memory", "leveldb" or "bolt".
func Open(kind, path string) (Database, error) {
	switch kind {
	case "", "memory":
		return NewMemDB(), nil
	case "leveldb":
		return NewLevelDB(path)
	case "bolt", "bbolt":
		return NewBoltDB(path, nil)
	default:
		return nil, &UnknownBackendError{Kind: kind}
	}
}

// UnknownBackendError reports an unsupported backend name.
type UnknownBackendError struct {
	Kind string
}

func (e *UnknownBackendError) Error() string {
	return "storage: unknown backend " + e.Kind
}

package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vpagate/vpagate/internal/domain"
)

const bucketName = "locks"

type boltEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltLocker keeps locks in a BoltDB file. Bolt holds an exclusive file
// lock, so this only coordinates goroutines of one process; use Redis when
// several instances share a pool.
type BoltLocker struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the lock file at path.
func OpenBolt(path string) (*BoltLocker, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltLocker{db: db, now: time.Now}, nil
}

func (l *BoltLocker) Close() error {
	return l.db.Close()
}

func (l *BoltLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := newHandle(key, l.release)

	held := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := l.now()

		if v := b.Get([]byte(key)); v != nil {
			var cur boltEntry
			if err := json.Unmarshal(v, &cur); err == nil && now.Before(cur.ExpiresAt) {
				held = true
				return nil
			}
		}

		data, err := json.Marshal(boltEntry{Token: h.token, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLockUnavailable, err)
	}
	if held {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
	}
	return h, nil
}

func (l *BoltLocker) release(_ context.Context, key, token string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		var cur boltEntry
		if err := json.Unmarshal(v, &cur); err != nil || cur.Token != token {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

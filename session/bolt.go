package session

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// BoltStore is a go.etcd.io/bbolt-backed single-use TTL session store. It
// behaves like MemoryStore but survives a process restart, which matters
// for a session issued just before a rolling deploy.
type BoltStore struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

type boltEntry struct {
	ResourceID uint64    `json:"resource_id"`
	Mode       string    `json:"mode"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path for
// session storage.
func OpenBoltStore(path string, ttl time.Duration) (*BoltStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create bucket: %w", err)
	}

	return &BoltStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying bbolt database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func boltKey(resourceID uint64, sessionID string) []byte {
	key := make([]byte, 8+len(sessionID))
	binary.BigEndian.PutUint64(key, resourceID)
	copy(key[8:], sessionID)
	return key
}

// Issue mints a new session for resourceID under mode, persisted until
// consumed or expired.
func (b *BoltStore) Issue(ctx context.Context, resourceID uint64, mode string) (string, time.Time, error) {
	u := uuid.New()
	sessionID := hex.EncodeToString(u[:])
	expiresAt := b.now().Add(b.ttl)

	e := boltEntry{ResourceID: resourceID, Mode: mode, ExpiresAt: expiresAt}
	v, err := json.Marshal(e)
	if err != nil {
		return "", time.Time{}, err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(boltKey(resourceID, sessionID), v)
	})
	if err != nil {
		return "", time.Time{}, err
	}

	return sessionID, expiresAt, nil
}

// Validate consumes the session, if present, valid and matching mode.
func (b *BoltStore) Validate(ctx context.Context, resourceID uint64, sessionID string, mode string) (Role, error) {
	key := boltKey(resourceID, sessionID)

	var e boltEntry
	found := false

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		v := bucket.Get(key)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		found = true

		return bucket.Delete(key)
	})
	if err != nil {
		return "", err
	}

	if !found || e.expired(b.now()) || e.Mode != mode {
		return "", ErrInvalidSession
	}

	role, ok := roleForMode(mode)
	if !ok {
		return "", ErrInvalidSession
	}

	return role, nil
}

func (e boltEntry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Sweep removes expired, never-consumed entries. Like MemoryStore.Sweep,
// this only bounds database size; Validate already rejects expired
// entries on its own.
func (b *BoltStore) Sweep() error {
	now := b.now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		c := bucket.Cursor()

		toDelete := make([][]byte, 0)

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.expired(now) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}

		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

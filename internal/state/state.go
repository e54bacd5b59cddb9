// Package state keeps the little terminal state that should survive a
// restart, currently the active feed subscriptions, in a pebble database.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var subPrefix = []byte("sub/")

// subUpper is the prefix successor of sub/, so every id falls below it.
var subUpper = []byte("sub0")

type Store struct {
	db  *pebble.DB
	now func() time.Time
}

type Option func(*pebble.Options)

// InMemory keeps the database on an in-memory filesystem.
func InMemory() Option {
	return func(o *pebble.Options) { o.FS = vfs.NewMem() }
}

func Open(dir string, opts ...Option) (*Store, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	db, err := pebble.Open(dir, o)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func subKey(id string) []byte {
	return append(bytes.Clone(subPrefix), id...)
}

// SaveSubscriptions replaces the stored set with ids in one synced batch.
func (s *Store) SaveSubscriptions(ids []string) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(subPrefix, subUpper, nil); err != nil {
		return err
	}
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(s.now().UnixNano()))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := b.Set(subKey(id), ts, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Subscriptions returns the stored ids in key order.
func (s *Store) Subscriptions() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: subPrefix,
		UpperBound: subUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(bytes.TrimPrefix(iter.Key(), subPrefix)))
	}
	return ids, iter.Error()
}

// SubscribedAt reports when id was last saved.
func (s *Store) SubscribedAt(id string) (time.Time, bool, error) {
	val, closer, err := s.db.Get(subKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return time.Time{}, false, fmt.Errorf("invalid subscription record for %s", id)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(val))), true, nil
}

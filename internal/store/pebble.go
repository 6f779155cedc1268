// Package store persists accounts and dead-lettered orders in Pebble.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"ratatoskr/internal/account"
	"ratatoskr/internal/common"
)

// keys: a:<account name>, d:<order id>
const (
	accountPrefix    = "a:"
	deadLetterPrefix = "d:"
)

type PebbleStore struct {
	db *pebble.DB
}

func Open(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func accountKey(name string) []byte { return []byte(accountPrefix + name) }
func deadLetterKey(id string) []byte { return []byte(deadLetterPrefix + id) }

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ============================================================================
// Accounts
// ============================================================================

func (s *PebbleStore) SaveAccount(a *account.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(a.Name), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount returns nil, nil if the account doesn't exist.
func (s *PebbleStore) LoadAccount(name string) (*account.Account, error) {
	data, closer, err := s.db.Get(accountKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var a account.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &a, nil
}

func (s *PebbleStore) DeleteAccount(name string) error {
	if err := s.db.Delete(accountKey(name), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// ============================================================================
// Dead letters
// ============================================================================

func (s *PebbleStore) RecordDeadLetter(letter common.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := s.db.Set(deadLetterKey(letter.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns every recorded letter, oldest order first.
func (s *PebbleStore) DeadLetters() ([]common.DeadLetter, error) {
	prefix := []byte(deadLetterPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	defer iter.Close()

	var letters []common.DeadLetter
	for iter.First(); iter.Valid(); iter.Next() {
		var letter common.DeadLetter
		if err := json.Unmarshal(iter.Value(), &letter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter %s: %w", iter.Key(), err)
		}
		letters = append(letters, letter)
	}
	sortByArrival(letters)
	return letters, nil
}

func (s *PebbleStore) DeleteDeadLetter(id string) error {
	if err := s.db.Delete(deadLetterKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}

// Keys are uuids, so iteration order says nothing about arrival. Sequence
// numbers restart with the process, so creation time goes first.
func sortByArrival(letters []common.DeadLetter) {
	sort.SliceStable(letters, func(i, j int) bool {
		a, b := letters[i].Order, letters[j].Order
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Sequence < b.Sequence
	})
}

var _ account.Store = (*PebbleStore)(nil)

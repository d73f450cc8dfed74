// Package tokens is the durable store behind the double opt-in flow. One
// JSON document per token, written under opt-in/<token>.json in the data
// dir. A record is either present and live, present and expired, or
// absent; consumed and never-issued tokens look identical on purpose.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/verkstad/drip/tools"
)

// ErrNotFound is returned by Get for a token that was never issued or has
// already been consumed. Anything else coming out of the store is an
// infrastructure error and must not be treated as an invalid token.
var ErrNotFound = errors.New("opt-in token not found")

// Record is the state parked between opt-in submission and confirmation.
type Record struct {
	Email      string    `json:"email"`
	FirstName  string    `json:"first_name,omitempty"`
	Workshop   string    `json:"workshop"`
	AudienceID string    `json:"audience_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// NewToken returns a 32 byte crypto-random token, hex encoded. The token
// doubles as the storage key, so it has to be unguessable.
func NewToken() (string, error) {
	var b [32]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return "", fmt.Errorf("could not read random bytes, %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

const dir = "opt-in"

// validToken reports whether token has the exact shape NewToken produces,
// 64 lowercase hex chars. The token doubles as a file name, so anything
// else must never reach the filesystem; a traversal like ../x would
// resolve outside the opt-in directory.
func validToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type Store struct {
	root  string
	locks *tools.KeyedMutex
}

func NewStore(root string) (*Store, error) {
	err := os.MkdirAll(filepath.Join(root, dir), 0755)
	if err != nil {
		return nil, fmt.Errorf("could not create opt-in directory, %w", err)
	}
	return &Store{
		root:  root,
		locks: tools.NewKeyedMutex(),
	}, nil
}

func (s *Store) path(token string) string {
	return filepath.Join(s.root, dir, token+".json")
}

// Put writes the record with O_SYNC, we want as much guarantee as the
// filesystem gives that the record is committed before the confirmation
// email goes out.
func (s *Store) Put(token string, record Record) error {
	if !validToken(token) {
		return fmt.Errorf("malformed opt-in token")
	}
	s.locks.Lock(token)
	defer s.locks.Unlock(token)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode opt-in record, %w", err)
	}

	f, err := os.OpenFile(s.path(token), os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0644)
	if err != nil {
		return fmt.Errorf("could not open opt-in record for writing, %w", err)
	}
	_, err = f.Write(data)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write opt-in record, %w", err)
	}
	return f.Close()
}

func (s *Store) Get(token string) (Record, error) {
	if !validToken(token) {
		return Record{}, ErrNotFound
	}
	s.locks.Lock(token)
	defer s.locks.Unlock(token)

	data, err := os.ReadFile(s.path(token))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("could not read opt-in record, %w", err)
	}

	var record Record
	err = json.Unmarshal(data, &record)
	if err != nil {
		return Record{}, fmt.Errorf("could not decode opt-in record, %w", err)
	}
	return record, nil
}

// Delete removes the record. Deleting an absent token is not an error, a
// losing racer during confirmation just finds nothing to remove. A
// malformed token is absent by definition.
func (s *Store) Delete(token string) error {
	if !validToken(token) {
		return nil
	}
	s.locks.Lock(token)
	defer s.locks.Unlock(token)

	err := os.Remove(s.path(token))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not delete opt-in record, %w", err)
	}
	return nil
}

package uco

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

// storage keys. the auth record is duplicated across both scopes for
// resilience. the flat session keys are read-only legacy fallbacks.
const (
	authRecordKey       = "uco_auth"
	legacySessionKey    = "uco_session_id"
	legacySessionKeyAlt = "sessionId"
)

const sessionCookieName = "uco_session"

// Storage is one flat string key-value scope.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Delete(key string) error
}

// MemoryStorage is the session-lifetime scope. It does not survive the
// owning process.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string]string{},
	}
}

func (self *MemoryStorage) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryStorage) Set(key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
	return nil
}

func (self *MemoryStorage) Delete(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	return nil
}

// PebbleStorage is the cross-session scope, backed by a pebble database
// at the given directory.
type PebbleStorage struct {
	db *pebble.DB
}

func NewPebbleStorage(dir string) (*PebbleStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStorage{
		db: db,
	}, nil
}

func (self *PebbleStorage) Get(key string) (string, bool) {
	value, closer, err := self.db.Get([]byte(key))
	if err != nil {
		return "", false
	}
	defer closer.Close()
	// string() copies the value out before the closer invalidates it
	return string(value), true
}

func (self *PebbleStorage) Set(key string, value string) error {
	return self.db.Set([]byte(key), []byte(value), pebble.Sync)
}

func (self *PebbleStorage) Delete(key string) error {
	return self.db.Delete([]byte(key), pebble.Sync)
}

func (self *PebbleStorage) Close() error {
	return self.db.Close()
}

// AuthRecord is the structured auth record persisted on auth success.
type AuthRecord struct {
	User          *AuthUser `json:"user,omitempty"`
	Authenticated bool      `json:"authenticated"`
	SessionId     string    `json:"sessionId,omitempty"`
	ByJwt         string    `json:"byJwt,omitempty"`
}

type AuthUser struct {
	UserId      string `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// CredentialStore reads through both scopes, session scope first, and
// writes auth records to both, so a credential survives both a fresh
// session and a full restart.
type CredentialStore struct {
	sessionScope    Storage
	persistentScope Storage
}

func NewCredentialStore(sessionScope Storage, persistentScope Storage) *CredentialStore {
	return &CredentialStore{
		sessionScope:    sessionScope,
		persistentScope: persistentScope,
	}
}

func (self *CredentialStore) Get(key string) (string, bool) {
	if self.sessionScope != nil {
		if value, ok := self.sessionScope.Get(key); ok && value != "" {
			return value, true
		}
	}
	if self.persistentScope != nil {
		if value, ok := self.persistentScope.Get(key); ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func (self *CredentialStore) AuthRecord() (*AuthRecord, bool) {
	recordJson, ok := self.Get(authRecordKey)
	if !ok {
		return nil, false
	}
	record := &AuthRecord{}
	if err := json.Unmarshal([]byte(recordJson), record); err != nil {
		return nil, false
	}
	return record, true
}

func (self *CredentialStore) SetAuthRecord(record *AuthRecord) error {
	recordJson, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if self.sessionScope != nil {
		if err := self.sessionScope.Set(authRecordKey, string(recordJson)); err != nil {
			return err
		}
	}
	if self.persistentScope != nil {
		return self.persistentScope.Set(authRecordKey, string(recordJson))
	}
	return nil
}

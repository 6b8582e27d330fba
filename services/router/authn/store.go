// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package authn

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// Key prefixes partition the credential keyspace.
const (
	kvUserPrefix       = "user:"
	kvUsernamePrefix   = "username:"
	kvAPIKeyPrefix     = "apikey:"
	kvAgentTokenPrefix = "agenttoken:"
)

// Store persists users, API keys, and agent tokens in an embedded
// badger database. Only bcrypt hashes of secrets are written.
//
// # Thread Safety
//
// Badger transactions provide isolation; the store itself holds no
// additional state and is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// storedUser mirrors datatypes.User with the hash included, since the
// API type never serializes it.
type storedUser struct {
	ID           uuid.UUID      `json:"id"`
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	Role         datatypes.Role `json:"role"`
	CreatedAt    time.Time      `json:"created_at"`
	LastLogin    *time.Time     `json:"last_login,omitempty"`
}

type storedAPIKey struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	CreatedBy uuid.UUID  `json:"created_by"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type storedAgentToken struct {
	NodeID    uuid.UUID `json:"node_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStore wraps an open badger database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// OpenDB opens the credential database under dataDir. Pass inMemory for
// tests.
func OpenDB(dataDir string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(dataDir + "/credentials").
		WithInMemory(inMemory).
		WithLogger(nil)
	if inMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, err, "open credential store")
	}
	return db, nil
}

// =============================================================================
// Users
// =============================================================================

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, role datatypes.Role) (datatypes.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return datatypes.User{}, apperr.Validation("username must not be empty")
	}
	if password == "" {
		return datatypes.User{}, apperr.Validation("password must not be empty")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return datatypes.User{}, err
	}

	user := storedUser{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(kvUsernamePrefix + username)); err == nil {
			return apperr.Validation("username already exists: %s", username)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return apperr.Wrap(apperr.KindDatabase, err, "check username")
		}
		if err := putJSON(txn, kvUserPrefix+user.ID.String(), user); err != nil {
			return err
		}
		return txn.Set([]byte(kvUsernamePrefix+username), []byte(user.ID.String()))
	})
	if err != nil {
		return datatypes.User{}, err
	}
	return user.public(), nil
}

// Authenticate verifies credentials and stamps last-login. A missing
// user and a wrong password return the same error.
func (s *Store) Authenticate(username, password string) (datatypes.User, error) {
	var user storedUser
	err := s.db.Update(func(txn *badger.Txn) error {
		found, err := s.userByUsername(txn, username)
		if err != nil {
			return err
		}
		if !VerifyPassword(found.PasswordHash, password) {
			return apperr.New(apperr.KindAuthentication, "Invalid username or password")
		}
		now := time.Now().UTC()
		found.LastLogin = &now
		user = found
		return putJSON(txn, kvUserPrefix+found.ID.String(), found)
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return datatypes.User{}, apperr.New(apperr.KindAuthentication, "Invalid username or password")
		}
		return datatypes.User{}, err
	}
	return user.public(), nil
}

// GetUser returns the account by id.
func (s *Store) GetUser(id uuid.UUID) (datatypes.User, error) {
	var user storedUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, kvUserPrefix+id.String(), &user)
	})
	if err != nil {
		return datatypes.User{}, err
	}
	return user.public(), nil
}

// ListUsers returns every account sorted by creation time.
func (s *Store) ListUsers() ([]datatypes.User, error) {
	var users []datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, kvUserPrefix, func(u storedUser) {
			users = append(users, u.public())
		})
	})
	if err != nil {
		return nil, err
	}
	sortByTime(users, func(u datatypes.User) time.Time { return u.CreatedAt })
	return users, nil
}

// ChangePassword replaces the user's password hash.
func (s *Store) ChangePassword(id uuid.UUID, password string) error {
	if password == "" {
		return apperr.Validation("password must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var user storedUser
		if err := getJSON(txn, kvUserPrefix+id.String(), &user); err != nil {
			return err
		}
		user.PasswordHash = hash
		return putJSON(txn, kvUserPrefix+id.String(), user)
	})
}

// DeleteUser removes the account. Deleting the last admin is refused so
// the router cannot lock its operators out.
func (s *Store) DeleteUser(id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var target storedUser
		if err := getJSON(txn, kvUserPrefix+id.String(), &target); err != nil {
			return err
		}

		if target.Role == datatypes.RoleAdmin {
			admins := 0
			if err := forEachJSON(txn, kvUserPrefix, func(u storedUser) {
				if u.Role == datatypes.RoleAdmin {
					admins++
				}
			}); err != nil {
				return err
			}
			if admins <= 1 {
				return apperr.Validation("cannot delete the last admin user")
			}
		}

		if err := txn.Delete([]byte(kvUsernamePrefix + target.Username)); err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "delete username index")
		}
		if err := txn.Delete([]byte(kvUserPrefix + id.String())); err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "delete user")
		}
		return nil
	})
}

func (s *Store) userByUsername(txn *badger.Txn, username string) (storedUser, error) {
	item, err := txn.Get([]byte(kvUsernamePrefix + strings.TrimSpace(username)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storedUser{}, apperr.NotFound("User not found: %s", username)
	}
	if err != nil {
		return storedUser{}, apperr.Wrap(apperr.KindDatabase, err, "read username index")
	}

	var id string
	if err := item.Value(func(v []byte) error {
		id = string(v)
		return nil
	}); err != nil {
		return storedUser{}, apperr.Wrap(apperr.KindDatabase, err, "read username index")
	}

	var user storedUser
	if err := getJSON(txn, kvUserPrefix+id, &user); err != nil {
		return storedUser{}, err
	}
	return user, nil
}

// =============================================================================
// API Keys
// =============================================================================

// CreateAPIKey issues a new key, returning the record and the plaintext
// secret. The plaintext is never stored.
func (s *Store) CreateAPIKey(createdBy uuid.UUID, name string, expiresAt *time.Time) (datatypes.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return datatypes.APIKey{}, "", apperr.Validation("key name must not be empty")
	}

	plaintext, err := GenerateAPIKey()
	if err != nil {
		return datatypes.APIKey{}, "", err
	}
	hash, err := HashPassword(plaintext)
	if err != nil {
		return datatypes.APIKey{}, "", err
	}

	key := storedAPIKey{
		ID:        uuid.New(),
		Name:      name,
		CreatedBy: createdBy,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, kvAPIKeyPrefix+key.ID.String(), key)
	})
	if err != nil {
		return datatypes.APIKey{}, "", err
	}
	return key.public(), plaintext, nil
}

// ListAPIKeys returns every key record, hashes excluded.
func (s *Store) ListAPIKeys() ([]datatypes.APIKey, error) {
	var keys []datatypes.APIKey
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, kvAPIKeyPrefix, func(k storedAPIKey) {
			keys = append(keys, k.public())
		})
	})
	if err != nil {
		return nil, err
	}
	sortByTime(keys, func(k datatypes.APIKey) time.Time { return k.CreatedAt })
	return keys, nil
}

// DeleteAPIKey revokes a key.
func (s *Store) DeleteAPIKey(id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(kvAPIKeyPrefix + id.String())
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return apperr.NotFound("API key not found: %s", id)
		} else if err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "read API key")
		}
		return txn.Delete(key)
	})
}

// VerifyAPIKey matches a plaintext key against every stored hash.
// Expired keys never match.
func (s *Store) VerifyAPIKey(plaintext string) (datatypes.APIKey, error) {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		return datatypes.APIKey{}, apperr.New(apperr.KindAuthentication, "Invalid API key")
	}

	now := time.Now().UTC()
	var matched *storedAPIKey
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, kvAPIKeyPrefix, func(k storedAPIKey) {
			if matched != nil {
				return
			}
			if k.ExpiresAt != nil && k.ExpiresAt.Before(now) {
				return
			}
			if VerifyPassword(k.KeyHash, plaintext) {
				key := k
				matched = &key
			}
		})
	})
	if err != nil {
		return datatypes.APIKey{}, err
	}
	if matched == nil {
		return datatypes.APIKey{}, apperr.New(apperr.KindAuthentication, "Invalid API key")
	}
	return matched.public(), nil
}

// =============================================================================
// Agent Tokens
// =============================================================================

// IssueAgentToken creates or rotates the node's token and returns the
// plaintext.
func (s *Store) IssueAgentToken(nodeID uuid.UUID) (string, error) {
	plaintext := GenerateAgentToken()
	hash, err := HashPassword(plaintext)
	if err != nil {
		return "", err
	}

	token := storedAgentToken{
		NodeID:    nodeID,
		TokenHash: hash,
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, kvAgentTokenPrefix+nodeID.String(), token)
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// VerifyAgentToken matches a plaintext token to its node.
func (s *Store) VerifyAgentToken(plaintext string) (uuid.UUID, error) {
	if !strings.HasPrefix(plaintext, agentTokenPrefix) {
		return uuid.Nil, apperr.New(apperr.KindAuthentication, "Invalid agent token")
	}

	var matched uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, kvAgentTokenPrefix, func(t storedAgentToken) {
			if matched == uuid.Nil && VerifyPassword(t.TokenHash, plaintext) {
				matched = t.NodeID
			}
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	if matched == uuid.Nil {
		return uuid.Nil, apperr.New(apperr.KindAuthentication, "Invalid agent token")
	}
	return matched, nil
}

// DeleteAgentToken drops the node's token after node deletion. Unknown
// nodes are a no-op.
func (s *Store) DeleteAgentToken(nodeID uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(kvAgentTokenPrefix + nodeID.String()))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return apperr.Wrap(apperr.KindDatabase, err, "delete agent token")
		}
		return nil
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (u storedUser) public() datatypes.User {
	return datatypes.User{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
	}
}

func (k storedAPIKey) public() datatypes.APIKey {
	return datatypes.APIKey{
		ID:        k.ID,
		Name:      k.Name,
		CreatedBy: k.CreatedBy,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "serialize credential")
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "write credential")
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperr.NotFound("Not found: %s", key)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, err, "read credential")
	}
	return item.Value(func(v []byte) error {
		if err := json.Unmarshal(v, out); err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "parse credential")
		}
		return nil
	})
}

func forEachJSON[T any](txn *badger.Txn, prefix string, fn func(T)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		var v T
		err := it.Item().Value(func(raw []byte) error {
			return json.Unmarshal(raw, &v)
		})
		if err != nil {
			return apperr.Wrap(apperr.KindDatabase, err, "scan credentials")
		}
		fn(v)
	}
	return nil
}

func sortByTime[T any](items []T, key func(T) time.Time) {
	sort.Slice(items, func(i, j int) bool {
		return key(items[i]).Before(key(items[j]))
	})
}

// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/deltawebmap/tilestream/internal/tiles"
)

// Key prefixes for BadgerDB storage.
const (
	serverKeyPrefix    = "server:"
	tribeKeyPrefix     = "tribe:"
	tileCacheKeyPrefix = "tilecache:"
)

// BadgerStore implements ServerStore and CacheStore on an embedded
// BadgerDB. Values are JSON-encoded.
type BadgerStore struct {
	db *badger.DB
}

// Open creates or opens a Badger-backed store at the given path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens an in-memory store, used in tests and ephemeral
// deployments.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// GetServerByID returns metadata for a server, or ErrNotFound.
func (s *BadgerStore) GetServerByID(ctx context.Context, id string) (*tiles.ServerMetadata, error) {
	var meta tiles.ServerMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(serverKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get server: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// PutServer stores server metadata, replacing any prior value.
func (s *BadgerStore) PutServer(ctx context.Context, meta tiles.ServerMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal server metadata: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(serverKeyPrefix+meta.ID), data)
	})
}

// GetTribeID returns the tribe the external identity belongs to on the
// given server, or ErrNotFound.
func (s *BadgerStore) GetTribeID(ctx context.Context, serverID, externalID string) (int, error) {
	var tribe int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tribeKeyPrefix + serverID + ":" + externalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get tribe membership: %w", err)
		}
		return item.Value(func(val []byte) error {
			tribe, err = strconv.Atoi(string(val))
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return tribe, nil
}

// PutTribeMember records the external identity's tribe on a server.
func (s *BadgerStore) PutTribeMember(ctx context.Context, serverID, externalID string, tribeID int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(tribeKeyPrefix + serverID + ":" + externalID)
		return txn.Set(key, []byte(strconv.Itoa(tribeID)))
	})
}

// Get returns the cache record for a tile identity, or ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, target tiles.TileIdentity) (*tiles.CacheRecord, error) {
	var rec tiles.CacheRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tileCacheKeyPrefix + target.Key()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get tile cache record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert replaces any prior cache record for the record's target.
func (s *BadgerStore) Upsert(ctx context.Context, rec tiles.CacheRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tile cache record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tileCacheKeyPrefix+rec.Target.Key()), data)
	})
}

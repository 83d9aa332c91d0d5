// Package store holds the bbolt-backed on-disk state the node keeps
// outside the ledger: the single-key consensus round snapshot (§6.3) and a
// small recency-scored peer address book (§4.2).
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConsensus = []byte("consensus_round")
	bucketAddrBook  = []byte("peer_addr_book")
)

// roundKey is the fixed single key §6.3 pins for the persisted
// ConsensusRound: "a fixed key (0xF4), never a per-height key".
var roundKey = []byte{0xF4}

// DB wraps a bbolt database file with the two buckets this node needs
// beyond the ledger's own storage.
type DB struct {
	path string
	bdb  *bolt.DB
}

// Open creates (if needed) dataDir and opens db.bolt inside it, with the
// consensus and address-book buckets pre-created.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("store: data dir required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "db.bolt")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	d := &DB{path: path, bdb: bdb}
	if err := d.bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConsensus, bucketAddrBook} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

func (d *DB) Path() string { return d.path }

// PersistRound implements dbft.RoundStore: put_sync semantics under the
// fixed key 0xF4 (§6.3, §4.4.8 "must fsync before broadcast returns").
// bbolt's Update commits and fsyncs its mmap file on transaction commit, so
// a successful return here already satisfies durability before the caller
// broadcasts Commit.
func (d *DB) PersistRound(snapshot []byte) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsensus).Put(roundKey, snapshot)
	})
}

// LoadRound returns the last persisted round snapshot, or (nil, false) if
// none has ever been written.
func (d *DB) LoadRound() ([]byte, bool, error) {
	var out []byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConsensus).Get(roundKey)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// PutAddr records or refreshes one gossip address keyed by its "ip:port"
// string, so restart does not lose address-book recency.
func (d *DB) PutAddr(key string, encoded []byte) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAddrBook).Put([]byte(key), encoded)
	})
}

// EachAddr calls fn for every stored address entry. Iteration order is
// bbolt's natural byte-sorted key order, not recency; callers that need
// recency order sort after loading.
func (d *DB) EachAddr(fn func(key string, encoded []byte) error) error {
	return d.bdb.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAddrBook).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

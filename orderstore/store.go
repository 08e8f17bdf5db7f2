package orderstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	badgerds "github.com/ipfs/go-ds-badger"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog/log"

	"github.com/0xProject/mesh-go/ordersync"
)

var ordersPrefix = datastore.NewKey("/orders")

// Store persists orders pulled from the network, keyed by the hash of their
// encoded form so replayed pages and gossip duplicates collapse into one
// record. The core treats the records as opaque; validation happens
// elsewhere.
type Store struct {
	ds     datastore.Batching
	closer datastore.Datastore
}

// Open creates a badger-backed store under the repo path.
func Open(path string) (*Store, error) {
	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true

	d, err := badgerds.NewDatastore(filepath.Join(path, "orders"), &dsopts)
	if err != nil {
		return nil, fmt.Errorf("opening order store: %w", err)
	}
	s := NewStore(d)
	s.closer = d
	return s, nil
}

// NewStore wraps an existing datastore.
func NewStore(d datastore.Batching) *Store {
	return &Store{ds: namespace.Wrap(d, ordersPrefix)}
}

// NewMemStore is an ephemeral store for tests and repo-less runs.
func NewMemStore() *Store {
	return NewStore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// Append stores any orders not already present and reports how many were
// new. The raw JSON encoding is what gets persisted, so records round-trip
// byte for byte.
func (s *Store) Append(orders []ordersync.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	batch, err := s.ds.Batch()
	if err != nil {
		return 0, err
	}
	added := 0
	seen := make(map[datastore.Key]struct{}, len(orders))
	for _, o := range orders {
		enc, err := json.Marshal(o)
		if err != nil {
			return added, err
		}
		k, err := orderKey(enc)
		if err != nil {
			return added, err
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		has, err := s.ds.Has(k)
		if err != nil {
			return added, err
		}
		if has {
			continue
		}
		if err := batch.Put(k, enc); err != nil {
			return added, err
		}
		added++
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	log.Debug().Int("received", len(orders)).Int("new", added).Msg("orders appended")
	return added, nil
}

// Count returns the number of stored orders.
func (s *Store) Count() (int, error) {
	res, err := s.ds.Query(query.Query{KeysOnly: true})
	if err != nil {
		return 0, err
	}
	defer res.Close()
	n := 0
	for r := range res.Next() {
		if r.Error != nil {
			return n, r.Error
		}
		n++
	}
	return n, nil
}

// Close releases the underlying datastore when the store owns it.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func orderKey(enc []byte) (datastore.Key, error) {
	mh, err := multihash.Sum(enc, multihash.SHA2_256, -1)
	if err != nil {
		return datastore.Key{}, err
	}
	return datastore.NewKey(mh.B58String()), nil
}

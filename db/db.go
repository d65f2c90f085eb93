// Package db persists swap state, known peers, configured Monero receive
// pools, and each swap's start date in a key-value store. PutSwap keeps one
// record per swap ID and replaces it on every write, so earlier states of a
// swap are not kept; no method deletes records.
// Grounded on the chaindb.Database usage implied by
// bingcicle-atomic-swap/protocol/swap/manager.go (errors.Is(...,
// chaindb.ErrKeyNotFound), db.PutSwap/db.GetSwap/db.GetAllSwaps), generalized
// to the extra tables (peers, monero_pools, swap_start_date) spec.md's
// persistence and recovery model needs beyond swap state alone.
package db

import (
	"encoding/json"
	"errors"

	"github.com/ChainSafe/chaindb"

	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/protocol/swap"
)

var (
	swapStatesPrefix   = []byte("swap_states-")
	peersPrefix        = []byte("peers-")
	moneroPoolsKey     = []byte("monero_pools")
	swapStartDatePrefix = []byte("swap_start_date-")
)

// ErrKeyNotFound re-exports chaindb's not-found sentinel so callers outside
// this package don't need to import chaindb directly.
var ErrKeyNotFound = chaindb.ErrKeyNotFound

// Database is the persistence layer swap.Manager and the watcher use.
type Database interface {
	PutSwap(info *swap.Info) error
	GetSwap(id types.SwapID) (*swap.Info, error)
	GetAllSwaps() ([]*swap.Info, error)

	PutPeer(offerID types.SwapID, peerID string) error
	GetPeer(offerID types.SwapID) (string, error)

	PutMoneroPools(pools types.ReceivePool) error
	GetMoneroPools() (types.ReceivePool, error)

	PutSwapStartDate(id types.SwapID, unixSeconds int64) error
	GetSwapStartDate(id types.SwapID) (int64, error)

	Close() error
}

type database struct {
	db chaindb.Database
}

// NewDatabase opens (or creates) a chaindb instance at dataDir.
func NewDatabase(dataDir string) (Database, error) {
	cdb, err := chaindb.NewBadgerDB(&chaindb.Config{DataDir: dataDir})
	if err != nil {
		return nil, err
	}
	return &database{db: cdb}, nil
}

func swapKey(id types.SwapID) []byte {
	b, _ := id.MarshalBinary()
	return append(append([]byte{}, swapStatesPrefix...), b...)
}

func peerKey(id types.SwapID) []byte {
	b, _ := id.MarshalBinary()
	return append(append([]byte{}, peersPrefix...), b...)
}

func startDateKey(id types.SwapID) []byte {
	b, _ := id.MarshalBinary()
	return append(append([]byte{}, swapStartDatePrefix...), b...)
}

func (d *database) PutSwap(info *swap.Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return d.db.Put(swapKey(info.SwapID), b)
}

func (d *database) GetSwap(id types.SwapID) (*swap.Info, error) {
	b, err := d.db.Get(swapKey(id))
	if err != nil {
		return nil, err
	}
	var info swap.Info
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (d *database) GetAllSwaps() ([]*swap.Info, error) {
	iter := d.db.NewIterator()
	defer iter.Release()

	var swaps []*swap.Info
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < len(swapStatesPrefix) || string(key[:len(swapStatesPrefix)]) != string(swapStatesPrefix) {
			continue
		}
		var info swap.Info
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			return nil, err
		}
		swaps = append(swaps, &info)
	}
	return swaps, nil
}

func (d *database) PutPeer(offerID types.SwapID, peerID string) error {
	return d.db.Put(peerKey(offerID), []byte(peerID))
}

func (d *database) GetPeer(offerID types.SwapID) (string, error) {
	b, err := d.db.Get(peerKey(offerID))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *database) PutMoneroPools(pools types.ReceivePool) error {
	b, err := json.Marshal(pools)
	if err != nil {
		return err
	}
	return d.db.Put(moneroPoolsKey, b)
}

func (d *database) GetMoneroPools() (types.ReceivePool, error) {
	b, err := d.db.Get(moneroPoolsKey)
	if err != nil {
		if errors.Is(err, chaindb.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var pools types.ReceivePool
	if err := json.Unmarshal(b, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func (d *database) PutSwapStartDate(id types.SwapID, unixSeconds int64) error {
	b, err := json.Marshal(unixSeconds)
	if err != nil {
		return err
	}
	return d.db.Put(startDateKey(id), b)
}

func (d *database) GetSwapStartDate(id types.SwapID) (int64, error) {
	b, err := d.db.Get(startDateKey(id))
	if err != nil {
		return 0, err
	}
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return 0, err
	}
	return t, nil
}

func (d *database) Close() error {
	return d.db.Close()
}

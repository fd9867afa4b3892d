// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// This package makes assumptions that the width of a chainhash.Hash is
// always 32 bytes.  If this is ever changed, offsets have to be rewritten.
// Use a compile-time assertion that this assumption holds true.
var _ [32]byte = chainhash.Hash{}

const (
	// snapshotVersion is the current snapshot serialization version.
	// Versions start at 1 and increment for each format change.
	snapshotVersion = 1

	// defaultDBTimeout is how long to wait on the database file lock.
	defaultDBTimeout = 60 * time.Second
)

// snapshotBucketKey is the top level bucket all snapshot data lives under.
var snapshotBucketKey = []byte("walletsnapshot")

// settingsBucketKey is the top level bucket holding the wallet settings.
// It is separate from the snapshot bucket so that replacing a snapshot
// never touches the settings written at creation time.
var settingsBucketKey = []byte("walletsettings")

// Nested bucket names.
var (
	bucketHistory = []byte("h")
	bucketUnspent = []byte("u")
	bucketTxs     = []byte("x")
)

// Root bucket keys.
var (
	rootVersion    = []byte("vers")
	rootTip        = []byte("tip")
	rootFees       = []byte("fees")
	rootNextChange = []byte("next")
)

// Settings bucket keys.
var (
	settingsDescriptor = []byte("desc")
	settingsNetwork    = []byte("net")
	settingsServer     = []byte("srvr")
)

// ErrNoSnapshot is returned by Load when the database holds no snapshot
// yet.
var ErrNoSnapshot = errors.New("no wallet snapshot stored")

// ErrNoSettings is returned by LoadSettings when the database was never
// initialized with wallet settings.
var ErrNoSettings = errors.New("no wallet settings stored")

// SnapshotDB persists wallet state between runs so a restart resumes from
// the last synchronized view instead of an empty wallet.  A snapshot is a
// cache; a full sync pass rebuilds everything in it.
type SnapshotDB struct {
	db walletdb.DB
}

// OpenSnapshotDB opens the snapshot database at path, creating it when it
// does not exist yet.
func OpenSnapshotDB(path string) (*SnapshotDB, error) {
	var (
		db  walletdb.DB
		err error
	)
	if fileExists(path) {
		db, err = walletdb.Open("bdb", path, true, defaultDBTimeout)
	} else {
		db, err = walletdb.Create("bdb", path, true, defaultDBTimeout)
	}
	if err != nil {
		return nil, err
	}
	return &SnapshotDB{db: db}, nil
}

// Close cleanly shuts the database down.
func (s *SnapshotDB) Close() error {
	return s.db.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WalletSettings are the immutable wallet parameters written once at
// creation time: the output descriptor being watched, the name of the
// network it belongs to, and the Electrum server to synchronize against.
type WalletSettings struct {
	Descriptor string
	Network    string
	Server     string
}

// SaveSettings writes the wallet settings.  Settings live outside the
// snapshot bucket and survive snapshot rewrites.
func (s *SnapshotDB) SaveSettings(settings *WalletSettings) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(settingsBucketKey)
		if err != nil {
			return err
		}
		err = ns.Put(settingsDescriptor, []byte(settings.Descriptor))
		if err != nil {
			return err
		}
		err = ns.Put(settingsNetwork, []byte(settings.Network))
		if err != nil {
			return err
		}
		return ns.Put(settingsServer, []byte(settings.Server))
	})
}

// LoadSettings reads the wallet settings back.  It returns ErrNoSettings
// when the database was never initialized.
func (s *SnapshotDB) LoadSettings() (*WalletSettings, error) {
	var settings WalletSettings
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(settingsBucketKey)
		if ns == nil {
			return ErrNoSettings
		}
		desc := ns.Get(settingsDescriptor)
		if desc == nil {
			return ErrNoSettings
		}
		settings.Descriptor = string(desc)
		settings.Network = string(ns.Get(settingsNetwork))
		settings.Server = string(ns.Get(settingsServer))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// The history bucket stores one record per (transaction, address, index)
// identity.  The key doubles as the identity:
//
//   [0:32]  Transaction hash (32 bytes)
//   [32:36] Derivation index (4 bytes)
//   [36:]   Encoded address (remainder)
//
// The value is:
//
//   [0:4] Height (4 bytes, two's complement, -1 for mempool records)
//   [4:5] Class (1 byte)

func keyHistoryRecord(rec *HistoryRecord) []byte {
	k := make([]byte, 36+len(rec.Address))
	copy(k, rec.TxID[:])
	byteOrder.PutUint32(k[32:36], rec.Index)
	copy(k[36:], rec.Address)
	return k
}

func valueHistoryRecord(rec *HistoryRecord) []byte {
	v := make([]byte, 5)
	byteOrder.PutUint32(v[0:4], uint32(rec.Height))
	v[4] = byte(rec.Class)
	return v
}

func readHistoryRecord(k, v []byte, rec *HistoryRecord) error {
	if len(k) < 36 {
		return fmt.Errorf("history: short key (expected at least 36 "+
			"bytes, read %d)", len(k))
	}
	if len(v) < 5 {
		return fmt.Errorf("history: short read (expected 5 bytes, "+
			"read %d)", len(v))
	}
	copy(rec.TxID[:], k[0:32])
	rec.Index = byteOrder.Uint32(k[32:36])
	rec.Address = string(k[36:])
	rec.Height = int32(byteOrder.Uint32(v[0:4]))
	rec.Class = HistoryClass(v[4])
	return nil
}

// The unspent bucket is keyed by the canonical outpoint serialization:
//
//   [0:32]  Transaction hash (32 bytes)
//   [32:36] Output index (4 bytes)
//
// The value is:
//
//   [0:4]   Height (4 bytes, two's complement, 0 for mempool outputs)
//   [4:12]  Amount (8 bytes)
//   [12:16] Derivation index (4 bytes)
//   [16:17] Change flag (1 byte)
//   [17:]   Encoded address (remainder)

func keyUnspentRecord(rec *UtxoRecord) []byte {
	k := make([]byte, 36)
	copy(k, rec.TxID[:])
	byteOrder.PutUint32(k[32:36], rec.Vout)
	return k
}

func valueUnspentRecord(rec *UtxoRecord) []byte {
	v := make([]byte, 17+len(rec.Address))
	byteOrder.PutUint32(v[0:4], uint32(rec.Height))
	byteOrder.PutUint64(v[4:12], uint64(rec.Value))
	byteOrder.PutUint32(v[12:16], rec.Index)
	if rec.Change {
		v[16] = 1
	}
	copy(v[17:], rec.Address)
	return v
}

func readUnspentRecord(k, v []byte, rec *UtxoRecord) error {
	if len(k) < 36 {
		return fmt.Errorf("unspent: short key (expected 36 bytes, "+
			"read %d)", len(k))
	}
	if len(v) < 17 {
		return fmt.Errorf("unspent: short read (expected at least 17 "+
			"bytes, read %d)", len(v))
	}
	copy(rec.TxID[:], k[0:32])
	rec.Vout = byteOrder.Uint32(k[32:36])
	rec.Height = int32(byteOrder.Uint32(v[0:4]))
	rec.Value = btcutil.Amount(byteOrder.Uint64(v[4:12]))
	rec.Index = byteOrder.Uint32(v[12:16])
	rec.Change = v[16] == 1
	rec.Address = string(v[17:])
	return nil
}

// The transaction bucket maps transaction hashes to their wire encoding.

// The tip value is:
//
//   [0:4]   Height (4 bytes)
//   [4:36]  Block hash (32 bytes)
//   [36:44] Unix time (8 bytes)

func valueTip(tip *ChainTip) []byte {
	v := make([]byte, 44)
	byteOrder.PutUint32(v[0:4], uint32(tip.Height))
	copy(v[4:36], tip.Hash[:])
	byteOrder.PutUint64(v[36:44], uint64(tip.Timestamp.Unix()))
	return v
}

func readTip(v []byte, tip *ChainTip) error {
	if len(v) < 44 {
		return fmt.Errorf("tip: short read (expected 44 bytes, read "+
			"%d)", len(v))
	}
	tip.Height = int32(byteOrder.Uint32(v[0:4]))
	copy(tip.Hash[:], v[4:36])
	tip.Timestamp = time.Unix(int64(byteOrder.Uint64(v[36:44])), 0)
	return nil
}

// The fees value is three IEEE 754 rates in sat/vB:
//
//   [0:8]   Fast (8 bytes)
//   [8:16]  Medium (8 bytes)
//   [16:24] Slow (8 bytes)

func valueFees(fees *FeeTiers) []byte {
	v := make([]byte, 24)
	byteOrder.PutUint64(v[0:8], math.Float64bits(fees.Fast))
	byteOrder.PutUint64(v[8:16], math.Float64bits(fees.Medium))
	byteOrder.PutUint64(v[16:24], math.Float64bits(fees.Slow))
	return v
}

func readFees(v []byte, fees *FeeTiers) error {
	if len(v) < 24 {
		return fmt.Errorf("fees: short read (expected 24 bytes, read "+
			"%d)", len(v))
	}
	fees.Fast = math.Float64frombits(byteOrder.Uint64(v[0:8]))
	fees.Medium = math.Float64frombits(byteOrder.Uint64(v[8:16]))
	fees.Slow = math.Float64frombits(byteOrder.Uint64(v[16:24]))
	return nil
}

// Save replaces the stored snapshot with the given state.  The write is a
// single database transaction, so a crash mid-save leaves the previous
// snapshot intact.
func (s *SnapshotDB) Save(state *WalletState) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket(snapshotBucketKey)
		if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
			return err
		}
		ns, err := tx.CreateTopLevelBucket(snapshotBucketKey)
		if err != nil {
			return err
		}

		vers := make([]byte, 4)
		byteOrder.PutUint32(vers, snapshotVersion)
		if err := ns.Put(rootVersion, vers); err != nil {
			return err
		}

		if tip, ok := state.Tip(); ok {
			if err := ns.Put(rootTip, valueTip(&tip)); err != nil {
				return err
			}
		}
		fees := state.Fees()
		if err := ns.Put(rootFees, valueFees(&fees)); err != nil {
			return err
		}
		next := make([]byte, 4)
		byteOrder.PutUint32(next, state.NextChangeIndex())
		if err := ns.Put(rootNextChange, next); err != nil {
			return err
		}

		hb, err := ns.CreateBucketIfNotExists(bucketHistory)
		if err != nil {
			return err
		}
		for _, rec := range state.History() {
			err := hb.Put(keyHistoryRecord(&rec), valueHistoryRecord(&rec))
			if err != nil {
				return err
			}
		}

		ub, err := ns.CreateBucketIfNotExists(bucketUnspent)
		if err != nil {
			return err
		}
		for _, rec := range state.Utxos() {
			err := ub.Put(keyUnspentRecord(&rec), valueUnspentRecord(&rec))
			if err != nil {
				return err
			}
		}

		xb, err := ns.CreateBucketIfNotExists(bucketTxs)
		if err != nil {
			return err
		}
		for _, rec := range state.History() {
			msgTx, ok := state.Transaction(rec.TxID)
			if !ok {
				continue
			}
			var buf bytes.Buffer
			buf.Grow(msgTx.SerializeSize())
			if err := msgTx.Serialize(&buf); err != nil {
				return err
			}
			if err := xb.Put(rec.TxID[:], buf.Bytes()); err != nil {
				return err
			}
		}

		return nil
	})
}

// DropSnapshot removes any stored snapshot while leaving the wallet
// settings intact.  The next full sync rebuilds state from the chain.
func (s *SnapshotDB) DropSnapshot() error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket(snapshotBucketKey)
		if errors.Is(err, walletdb.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Load rebuilds wallet state from the stored snapshot.  It returns
// ErrNoSnapshot when nothing has been saved yet.
func (s *SnapshotDB) Load() (*WalletState, error) {
	state := NewWalletState()

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(snapshotBucketKey)
		if ns == nil {
			return ErrNoSnapshot
		}

		vers := ns.Get(rootVersion)
		if len(vers) != 4 {
			return errors.New("snapshot: missing version")
		}
		if v := byteOrder.Uint32(vers); v != snapshotVersion {
			return fmt.Errorf("snapshot: unknown version %d", v)
		}

		if v := ns.Get(rootTip); v != nil {
			var tip ChainTip
			if err := readTip(v, &tip); err != nil {
				return err
			}
			state.UpdateTip(tip)
		}
		if v := ns.Get(rootFees); v != nil {
			var fees FeeTiers
			if err := readFees(v, &fees); err != nil {
				return err
			}
			state.UpdateFees(fees)
		}

		if hb := ns.NestedReadBucket(bucketHistory); hb != nil {
			err := hb.ForEach(func(k, v []byte) error {
				var rec HistoryRecord
				if err := readHistoryRecord(k, v, &rec); err != nil {
					return err
				}
				state.ApplyHistory([]HistoryRecord{rec})
				return nil
			})
			if err != nil {
				return err
			}
		}

		if ub := ns.NestedReadBucket(bucketUnspent); ub != nil {
			err := ub.ForEach(func(k, v []byte) error {
				var rec UtxoRecord
				if err := readUnspentRecord(k, v, &rec); err != nil {
					return err
				}
				state.ApplyUtxos([]UtxoRecord{rec})
				return nil
			})
			if err != nil {
				return err
			}
		}

		if xb := ns.NestedReadBucket(bucketTxs); xb != nil {
			err := xb.ForEach(func(k, v []byte) error {
				var txid chainhash.Hash
				if len(k) != 32 {
					return fmt.Errorf("txs: short key "+
						"(expected 32 bytes, read %d)",
						len(k))
				}
				copy(txid[:], k)
				tx := new(wire.MsgTx)
				if err := tx.Deserialize(bytes.NewReader(v)); err != nil {
					return err
				}
				state.ApplyTransactions(
					map[chainhash.Hash]*wire.MsgTx{txid: tx},
				)
				return nil
			})
			if err != nil {
				return err
			}
		}

		// Replaying records recovers the derivation cursors from
		// on-chain use, but an internal index retired for an unmined
		// transaction is only known to the stored cursor.
		if v := ns.Get(rootNextChange); len(v) == 4 {
			if next := byteOrder.Uint32(v); next > 0 {
				state.RetireChangeIndex(next - 1)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

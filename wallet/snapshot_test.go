// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

// TestSnapshotRoundTrip checks that a populated wallet state survives a save,
// a database reopen and a load without losing records, cursors or metadata.
func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.db")
	db, err := OpenSnapshotDB(path)
	require.NoError(t, err)

	state := NewWalletState()
	state.UpdateTip(ChainTip{
		Height:    845000,
		Hash:      chainhash.HashH([]byte("tip")),
		Timestamp: time.Unix(1700000000, 0),
	})
	state.UpdateFees(FeeTiers{Fast: 12.5, Medium: 6.25})

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(30000, []byte{0x51}))
	fundingTxid := fundingTx.TxHash()

	state.ApplyHistory([]HistoryRecord{
		{TxID: fundingTxid, Height: 840000, Address: "r5", Index: 5},
		{TxID: chainhash.Hash{2}, Height: -1, Address: "r1", Index: 1},
		{TxID: chainhash.Hash{3}, Height: 840100, Address: "c2", Index: 2,
			Class: ClassChange},
	})
	state.ApplyUtxos([]UtxoRecord{
		{TxID: fundingTxid, Height: 840000, Vout: 0, Value: 30000,
			Address: "r5", Index: 5},
		{TxID: chainhash.Hash{4}, Height: 0, Vout: 1, Value: 7000,
			Address: "c1", Index: 1, Change: true},
	})
	state.ApplyTransactions(map[chainhash.Hash]*wire.MsgTx{
		fundingTxid: fundingTx,
		// Not referenced by any history record, so not snapshotted.
		chainhash.HashH([]byte("orphan")): wire.NewMsgTx(2),
	})

	// Retire an internal index past all observed use, as a pending
	// transaction build would.
	state.RetireChangeIndex(9)
	require.Equal(t, uint32(10), state.NextChangeIndex())

	require.NoError(t, db.Save(state))
	require.NoError(t, db.Close())

	db, err = OpenSnapshotDB(path)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := db.Load()
	require.NoError(t, err)

	if !reflect.DeepEqual(state.History(), loaded.History()) {
		t.Error("Saved and loaded history records do not match.")
		spew.Dump(state.History(), loaded.History())
	}
	if !reflect.DeepEqual(state.Utxos(), loaded.Utxos()) {
		t.Error("Saved and loaded unspent outputs do not match.")
		spew.Dump(state.Utxos(), loaded.Utxos())
	}
	require.Equal(t, state.Balance(), loaded.Balance())

	tip, ok := loaded.Tip()
	require.True(t, ok)
	require.Equal(t, int32(845000), tip.Height)
	require.Equal(t, chainhash.HashH([]byte("tip")), tip.Hash)
	require.Equal(t, int64(1700000000), tip.Timestamp.Unix())

	require.Equal(t, FeeTiers{Fast: 12.5, Medium: 6.25}, loaded.Fees())

	// Cursors come back from the replayed records plus the stored change
	// cursor.
	require.Equal(t, uint32(5), loaded.NextFreeIndex(ChainReceiving))
	require.Equal(t, uint32(2), loaded.NextFreeIndex(ChainChange))
	require.Equal(t, uint32(10), loaded.NextChangeIndex())

	require.Equal(t, 1, loaded.TxCount())
	gotTx, ok := loaded.Transaction(fundingTxid)
	require.True(t, ok)
	require.Equal(t, fundingTxid, gotTx.TxHash())
}

// TestSnapshotEmptyDatabase checks that loading from a database that has
// never been saved to reports ErrNoSnapshot.
func TestSnapshotEmptyDatabase(t *testing.T) {
	t.Parallel()

	db, err := OpenSnapshotDB(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Load()
	require.ErrorIs(t, err, ErrNoSnapshot)
}

// TestSnapshotEmptyState checks that an empty wallet state round-trips: a
// wallet shut down before its first sync restores to empty, not to an error.
func TestSnapshotEmptyState(t *testing.T) {
	t.Parallel()

	db, err := OpenSnapshotDB(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Save(NewWalletState()))

	loaded, err := db.Load()
	require.NoError(t, err)
	require.Empty(t, loaded.History())
	require.Empty(t, loaded.Utxos())
	_, ok := loaded.Tip()
	require.False(t, ok)
	require.Zero(t, loaded.NextChangeIndex())
}

// TestSnapshotOverwrite checks that saving replaces the previous snapshot
// wholesale instead of merging into it.
func TestSnapshotOverwrite(t *testing.T) {
	t.Parallel()

	db, err := OpenSnapshotDB(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer db.Close()

	first := NewWalletState()
	first.ApplyHistory([]HistoryRecord{
		{TxID: chainhash.Hash{1}, Height: 840000, Address: "a"},
		{TxID: chainhash.Hash{2}, Height: 840001, Address: "b", Index: 1},
	})
	first.ApplyUtxos([]UtxoRecord{
		{TxID: chainhash.Hash{1}, Height: 840000, Value: 1000, Address: "a"},
	})
	require.NoError(t, db.Save(first))

	second := NewWalletState()
	second.ApplyHistory([]HistoryRecord{
		{TxID: chainhash.Hash{3}, Height: 841000, Address: "c", Index: 2},
	})
	require.NoError(t, db.Save(second))

	loaded, err := db.Load()
	require.NoError(t, err)

	recs := loaded.History()
	require.Len(t, recs, 1)
	require.Equal(t, chainhash.Hash{3}, recs[0].TxID)
	require.Empty(t, loaded.Utxos())
}

// TestSnapshotSettings checks that wallet settings written at creation time
// round-trip and survive snapshot rewrites.
func TestSnapshotSettings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.db")
	db, err := OpenSnapshotDB(path)
	require.NoError(t, err)

	_, err = db.LoadSettings()
	require.ErrorIs(t, err, ErrNoSettings)

	settings := &WalletSettings{
		Descriptor: "p2tr(" + testAccountXpub + ")",
		Network:    "mainnet",
		Server:     "electrum.example.org:50002",
	}
	require.NoError(t, db.SaveSettings(settings))

	// Snapshot writes replace the snapshot bucket wholesale and must not
	// disturb settings.
	require.NoError(t, db.Save(NewWalletState()))
	require.NoError(t, db.Close())

	db, err = OpenSnapshotDB(path)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := db.LoadSettings()
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	// Dropping the snapshot leaves settings behind.
	require.NoError(t, db.DropSnapshot())
	_, err = db.Load()
	require.ErrorIs(t, err, ErrNoSnapshot)
	loaded, err = db.LoadSettings()
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	// Dropping again is a no-op.
	require.NoError(t, db.DropSnapshot())
}

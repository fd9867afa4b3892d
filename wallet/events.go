// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Notification types.  These are defined here and processed from reading a
// Syncer's notification channel.  The consumer applies batch notifications
// to its WalletState in the order received.

// Connecting is the first notification of a sync pass, emitted before the
// server connection is attempted or reused.
type Connecting struct{}

// Connected is emitted once the server connection is in place.
type Connected struct{}

// LastBlock carries the server's best block, reported once near the start
// of every full sync.
type LastBlock struct {
	Tip ChainTip
}

// LastBlockUpdate carries a new best block picked up by a tip poll between
// full syncs.
type LastBlockUpdate struct {
	Tip ChainTip
}

// FeeEstimate carries the server's fee estimates converted to sat/vB.
type FeeEstimate struct {
	Fees FeeTiers
}

// HistoryBatch carries the history records discovered in one scanned
// address window.  Batch is a running counter over all batch notifications
// of the pass, shared with UtxoBatch.  An empty HistoryBatch marks the end
// of one branch's scan.
type HistoryBatch struct {
	Records []HistoryRecord
	Batch   uint32
}

// UtxoBatch carries the unspent outputs discovered in one scanned address
// window.  Batch continues the counter described on HistoryBatch.
type UtxoBatch struct {
	Records []UtxoRecord
	Batch   uint32
}

// TxBatch carries one fetched chunk of raw transactions.  Progress grows
// monotonically over the pass and reaches 1.0 with the final chunk.
type TxBatch struct {
	Txs      map[chainhash.Hash]*wire.MsgTx
	Progress float64
}

// Complete marks the successful end of a full sync against Server.
type Complete struct {
	Server string
}

// SyncError reports an error that abandoned the remainder of a sync pass.
// State applied from notifications emitted earlier in the pass remains
// valid; the worker survives and handles the next command.
type SyncError struct {
	Err error
}

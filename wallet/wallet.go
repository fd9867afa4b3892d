// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements a watch-only wallet engine backed by an
// Electrum server.  The engine discovers the on-chain footprint of a
// single account-level extended public key, maintains the result as
// in-memory state with an optional on-disk snapshot, and constructs
// unsigned transactions as PSBTs for external signers.
package wallet

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/btcsuite/electrumwallet/electrum"
)

// ErrNotConnected is returned by Broadcast when no server connection
// exists, which is the case before the first sync pass and after a failed
// reconnect.
var ErrNotConnected = errors.New("wallet is not connected to a server")

// Settings captures everything needed to open a wallet session.  The
// zero value of each optional field selects a sensible default.
type Settings struct {
	// Descriptor is the watched account in "class(xpub)" form, as
	// produced by Descriptor.String.
	Descriptor string

	// Params identifies the network the account key belongs to.
	Params *chaincfg.Params

	// Server is the Electrum endpoint as host:port.
	Server string

	// DisableTLS dials the server over plain TCP.  Public Electrum
	// servers expect SSL on their advertised ports, so TLS is the
	// default, with certificate verification skipped since servers
	// present self-signed certificates.
	DisableTLS bool

	// Proxy optionally routes connections through a SOCKS5 proxy,
	// given as host:port.
	Proxy string

	// SyncInterval is the period between chain tip polls.  Zero
	// selects the one minute default.
	SyncInterval time.Duration

	// DBPath is the snapshot database file.  When empty, state lives
	// only in memory and rebuilding requires a full sync.
	DBPath string
}

// Wallet ties the engine together for consumers: the descriptor being
// watched, the synchronizer, the state it fills, and the snapshot store.
//
// The wallet inherits the state's single-writer contract.  One goroutine
// drains Notifications and calls Apply for each one; state queries,
// transaction construction and snapshot saves happen on that same
// goroutine, or after it has finished.
type Wallet struct {
	settings   Settings
	descriptor *Descriptor
	state      *WalletState
	syncer     *Syncer
	snapshots  *SnapshotDB
}

// Open validates the settings, loads any stored snapshot, and assembles
// the wallet.  The syncer is not started; callers invoke Start and then
// issue FullSync.
func Open(settings *Settings) (*Wallet, error) {
	if settings.Server == "" {
		return nil, errors.New("missing server endpoint")
	}
	if settings.Params == nil {
		return nil, errors.New("missing network parameters")
	}
	descriptor, err := ParseDescriptor(settings.Descriptor, settings.Params)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		settings:   *settings,
		descriptor: descriptor,
		state:      NewWalletState(),
	}

	if settings.DBPath != "" {
		snapshots, err := OpenSnapshotDB(settings.DBPath)
		if err != nil {
			return nil, err
		}
		w.snapshots = snapshots

		state, err := snapshots.Load()
		switch {
		case err == nil:
			w.state = state
			log.Infof("Restored wallet snapshot: %d history "+
				"%s, balance %v", len(state.History()),
				pickNoun(len(state.History()), "record",
					"records"), state.Balance())
		case errors.Is(err, ErrNoSnapshot):
		default:
			snapshots.Close()
			return nil, err
		}
	}

	interval := settings.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	syncer, err := NewSyncer(&SyncerConfig{
		Descriptor: descriptor,
		Server:     settings.Server,
		Dial:       w.dial,
		Ticker:     ticker.New(interval),
	})
	if err != nil {
		if w.snapshots != nil {
			w.snapshots.Close()
		}
		return nil, err
	}
	w.syncer = syncer

	return w, nil
}

// dial establishes an Electrum connection per the session settings.
func (w *Wallet) dial(addr string) (ChainSource, error) {
	opts := &electrum.ConnectOpts{Proxy: w.settings.Proxy}
	if !w.settings.DisableTLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return electrum.Dial(addr, opts)
}

// Start launches the sync engine.
func (w *Wallet) Start() {
	w.syncer.Start()
}

// Stop signals the sync engine to shut down.
func (w *Wallet) Stop() {
	w.syncer.Stop()
}

// WaitForShutdown blocks until the sync engine has finished.
func (w *Wallet) WaitForShutdown() {
	w.syncer.WaitForShutdown()
}

// Notifications returns the engine's ordered notification stream.
func (w *Wallet) Notifications() <-chan interface{} {
	return w.syncer.Notifications()
}

// Err reports how the notification stream ended.  See Syncer.Err.
func (w *Wallet) Err() error {
	return w.syncer.Err()
}

// FullSync schedules a complete rediscovery pass.
func (w *Wallet) FullSync() error {
	return w.syncer.FullSync()
}

// PullTip schedules a chain tip poll.
func (w *Wallet) PullTip() error {
	return w.syncer.PullTip()
}

// UpdateServer schedules reconnection against a different endpoint.
func (w *Wallet) UpdateServer(server string) error {
	return w.syncer.UpdateServer(server)
}

// Descriptor returns the watched account descriptor.
func (w *Wallet) Descriptor() *Descriptor {
	return w.descriptor
}

// State returns the wallet state.  The single-writer contract documented
// on Wallet applies.
func (w *Wallet) State() *WalletState {
	return w.state
}

// Apply folds one sync notification into the wallet state.  Lifecycle
// notifications carry no state and fall through.
func (w *Wallet) Apply(notification interface{}) {
	switch n := notification.(type) {
	case LastBlock:
		w.state.UpdateTip(n.Tip)
	case LastBlockUpdate:
		w.state.UpdateTip(n.Tip)
	case FeeEstimate:
		w.state.UpdateFees(n.Fees)
	case HistoryBatch:
		w.state.ApplyHistory(n.Records)
	case UtxoBatch:
		w.state.ApplyUtxos(n.Records)
	case TxBatch:
		w.state.ApplyTransactions(n.Txs)
	}
}

// CreateTransaction constructs an unsigned transaction paying the given
// outputs at the given fee rate in sat/vB, funded from the synchronized
// unspent set.  The prevouts and change index chosen by the build remain
// spendable until the caller retires them; see WalletState.RetirePrevouts
// and WalletState.RetireChangeIndex.
func (w *Wallet) CreateTransaction(outputs []*wire.TxOut,
	feeRate float64) (*AuthoredTx, error) {

	return CreateFundedTransaction(w.state, w.descriptor, outputs, feeRate)
}

// Broadcast submits a signed transaction through the current server
// connection.
func (w *Wallet) Broadcast(tx *wire.MsgTx) (chainhash.Hash, error) {
	client := w.syncer.clientRef()
	if client == nil {
		return chainhash.Hash{}, ErrNotConnected
	}
	return client.Broadcast(tx)
}

// SaveSnapshot writes the current state to the snapshot database.  It is
// a no-op without one.
func (w *Wallet) SaveSnapshot() error {
	if w.snapshots == nil {
		return nil
	}
	return w.snapshots.Save(w.state)
}

// Close saves a final snapshot and releases the snapshot database.  The
// sync engine must have been stopped first.
func (w *Wallet) Close() error {
	if w.snapshots == nil {
		return nil
	}
	err := w.snapshots.Save(w.state)
	if cerr := w.snapshots.Close(); err == nil {
		err = cerr
	}
	return err
}

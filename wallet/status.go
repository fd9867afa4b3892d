// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
)

// SyncStatus is a display-oriented summary of how far a sync pass has
// progressed.  It is a sealed interface; the variants below are the only
// implementations.  Within a pass the status only moves forward, except for
// StatusError, which ends the attempt without ending the worker.
type SyncStatus interface {
	// isSyncStatus is a marker method that is part of the sealed
	// interface pattern.  It is unexported, so it can only be
	// implemented by types within this package.
	isSyncStatus()

	// String renders the status for display.
	String() string
}

// StatusConnecting indicates the server connection is being established.
type StatusConnecting struct{}

// StatusConnected indicates the server connection is in place.
type StatusConnected struct{}

// StatusQueryingChainState indicates the chain tip has been retrieved.
type StatusQueryingChainState struct{}

// StatusRetrievingFees indicates fee estimates have been retrieved.
type StatusRetrievingFees struct{}

// StatusRetrievingHistory indicates the address scan is under way.
type StatusRetrievingHistory struct {
	// Batches is the counter of the latest applied scan batch.
	Batches uint32
}

// StatusRetrievingTransactions indicates raw transactions are being
// fetched.
type StatusRetrievingTransactions struct {
	// Progress is the fetched fraction, reaching 1.0 when done.
	Progress float64
}

// StatusComplete indicates the pass finished successfully.
type StatusComplete struct {
	// Server is the endpoint the wallet synchronized against.
	Server string
}

// StatusError indicates the pass was abandoned.
type StatusError struct {
	// Message describes the failure.
	Message string
}

func (StatusConnecting) isSyncStatus()             {}
func (StatusConnected) isSyncStatus()              {}
func (StatusQueryingChainState) isSyncStatus()     {}
func (StatusRetrievingFees) isSyncStatus()         {}
func (StatusRetrievingHistory) isSyncStatus()      {}
func (StatusRetrievingTransactions) isSyncStatus() {}
func (StatusComplete) isSyncStatus()               {}
func (StatusError) isSyncStatus()                  {}

func (StatusConnecting) String() string         { return "connecting" }
func (StatusConnected) String() string          { return "connected" }
func (StatusQueryingChainState) String() string { return "querying chain state" }
func (StatusRetrievingFees) String() string     { return "retrieving fee estimates" }

func (s StatusRetrievingHistory) String() string {
	return fmt.Sprintf("retrieving history (batch %d)", s.Batches)
}

func (s StatusRetrievingTransactions) String() string {
	return fmt.Sprintf("retrieving transactions (%.0f%%)", s.Progress*100)
}

func (s StatusComplete) String() string {
	return fmt.Sprintf("synchronized against %s", s.Server)
}

func (s StatusError) String() string {
	return fmt.Sprintf("sync failed: %s", s.Message)
}

// NextStatus maps a notification to the status it advances a pass to.  A
// nil return means the notification does not move the status, as with
// LastBlockUpdate between passes.
func NextStatus(notification interface{}) SyncStatus {
	switch n := notification.(type) {
	case Connecting:
		return StatusConnecting{}
	case Connected:
		return StatusConnected{}
	case LastBlock:
		return StatusQueryingChainState{}
	case FeeEstimate:
		return StatusRetrievingFees{}
	case HistoryBatch:
		return StatusRetrievingHistory{Batches: n.Batch}
	case UtxoBatch:
		return StatusRetrievingHistory{Batches: n.Batch}
	case TxBatch:
		return StatusRetrievingTransactions{Progress: n.Progress}
	case Complete:
		return StatusComplete{Server: n.Server}
	case SyncError:
		return StatusError{Message: n.Err.Error()}
	}
	return nil
}

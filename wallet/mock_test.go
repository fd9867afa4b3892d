// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This file contains a mock implementation of the ChainSource interface.
// It is used in tests that assert on the exact sequence of server calls a
// sync pass makes.

package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"

	"github.com/btcsuite/electrumwallet/electrum"
)

// mockChainSource is a mock implementation of the ChainSource interface.
type mockChainSource struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockChainSource implements the
// ChainSource interface.
var _ ChainSource = (*mockChainSource)(nil)

// Addr implements the ChainSource interface.
func (m *mockChainSource) Addr() string {
	args := m.Called()
	return args.String(0)
}

// SubscribeHeaders implements the ChainSource interface.
func (m *mockChainSource) SubscribeHeaders() (*electrum.HeaderNotification,
	error) {

	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*electrum.HeaderNotification), args.Error(1)
}

// PopHeader implements the ChainSource interface.
func (m *mockChainSource) PopHeader() *electrum.HeaderNotification {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(*electrum.HeaderNotification)
}

// BatchEstimateFee implements the ChainSource interface.
func (m *mockChainSource) BatchEstimateFee(confTargets []uint32) ([]float64,
	error) {

	args := m.Called(confTargets)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]float64), args.Error(1)
}

// BatchScriptGetHistory implements the ChainSource interface.
func (m *mockChainSource) BatchScriptGetHistory(
	scripts [][]byte) ([][]electrum.HistoryResult, error) {

	args := m.Called(scripts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([][]electrum.HistoryResult), args.Error(1)
}

// BatchScriptListUnspent implements the ChainSource interface.
func (m *mockChainSource) BatchScriptListUnspent(
	scripts [][]byte) ([][]electrum.UnspentResult, error) {

	args := m.Called(scripts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([][]electrum.UnspentResult), args.Error(1)
}

// BatchGetTransactions implements the ChainSource interface.
func (m *mockChainSource) BatchGetTransactions(
	txids []chainhash.Hash) ([]*wire.MsgTx, error) {

	args := m.Called(txids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*wire.MsgTx), args.Error(1)
}

// Broadcast implements the ChainSource interface.
func (m *mockChainSource) Broadcast(tx *wire.MsgTx) (chainhash.Hash, error) {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return chainhash.Hash{}, args.Error(1)
	}

	return args.Get(0).(chainhash.Hash), args.Error(1)
}

// Stop implements the ChainSource interface.
func (m *mockChainSource) Stop() {
	m.Called()
}

// WaitForShutdown implements the ChainSource interface.
func (m *mockChainSource) WaitForShutdown() {
	m.Called()
}

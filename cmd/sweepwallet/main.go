// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/electrumwallet/internal/cfgutil"
	"github.com/btcsuite/electrumwallet/netparams"
	"github.com/btcsuite/electrumwallet/wallet"
	flags "github.com/jessevdk/go-flags"
	"github.com/schollz/progressbar/v3"
)

// minimumFee matches the fee floor the transaction builder assumes; public
// Electrum servers relay nothing cheaper.
const minimumFee = btcutil.Amount(3000)

const walletDbName = "wallet.db"

var (
	walletDataDirectory = btcutil.AppDataDir("electrumwallet", false)
	newlineBytes        = []byte{'\n'}
)

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Stderr.Write(newlineBytes)
	os.Exit(1)
}

func errContext(err error, context string) error {
	return fmt.Errorf("%s: %v", context, err)
}

// Flags.
var opts = struct {
	TestNet3    bool                `long:"testnet" description:"Use the test bitcoin network (version 3)"`
	TestNet4    bool                `long:"testnet4" description:"Use the test bitcoin network (version 4)"`
	SimNet      bool                `long:"simnet" description:"Use the simulation bitcoin network"`
	DataDir     string              `short:"b" long:"datadir" description:"Directory holding the wallet database"`
	Server      string              `short:"c" long:"server" description:"Hostname[:port] of the Electrum server, overriding the stored one"`
	DisableTLS  bool                `long:"notls" description:"Disable TLS for the Electrum connection"`
	Proxy       string              `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	Destination string              `long:"dest" description:"Address to sweep the wallet funds to"`
	FeeRate     float64             `long:"feerate" description:"Transaction fee rate in sat/vB"`
	Reserve     *cfgutil.AmountFlag `long:"reserve" description:"Amount to leave behind on an internal address"`
	OutFile     string              `short:"o" long:"output" description:"Write the unsigned transaction to a file instead of standard output"`
}{
	DataDir: walletDataDirectory,
	FeeRate: 1,
	Reserve: cfgutil.NewAmountFlag(0),
}

var (
	activeNet   = &netparams.MainNetParams
	destAddress btcutil.Address
)

// Parse and validate flags.
func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	numNets := 0
	if opts.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if opts.TestNet4 {
		activeNet = &netparams.TestNet4Params
		numNets++
	}
	if opts.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		fatalf("Multiple bitcoin networks may not be used simultaneously")
	}

	if opts.Destination == "" {
		fatalf("Destination address is required")
	}
	destAddress, err = btcutil.DecodeAddress(opts.Destination, activeNet.Params)
	if err != nil {
		fatalf("Invalid destination address `%v`: %v", opts.Destination, err)
	}
	if !destAddress.IsForNet(activeNet.Params) {
		fatalf("Destination address `%v` is not for the %s network",
			opts.Destination, activeNet.Params.Name)
	}

	if opts.FeeRate <= 0 {
		fatalf("Fee rate must be positive")
	}
	if opts.FeeRate > 1000 {
		fatalf("Fee rate `%v sat/vB` is exceptionally high", opts.FeeRate)
	}

	if opts.Server != "" {
		port := activeNet.ElectrumSSLPort
		if opts.DisableTLS {
			port = activeNet.ElectrumTCPPort
		}
		server, err := cfgutil.NormalizeAddress(opts.Server, port)
		if err != nil {
			fatalf("Invalid server address `%v`: %v", opts.Server, err)
		}
		opts.Server = server
	}
}

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, chainParams *chaincfg.Params) string {
	netname := chainParams.Name
	if chainParams.Net == wire.TestNet3 {
		netname = "testnet"
	}
	return filepath.Join(dataDir, netname)
}

func main() {
	err := sweep()
	if err != nil {
		fatalf("%v", err)
	}
}

func sweep() error {
	dbPath := filepath.Join(networkDir(opts.DataDir, activeNet.Params),
		walletDbName)
	dbExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return err
	}
	if !dbExists {
		return fmt.Errorf("the wallet does not exist at %v", dbPath)
	}

	// Read the stored settings, then release the database so the wallet
	// can reopen it.
	db, err := wallet.OpenSnapshotDB(dbPath)
	if err != nil {
		return errContext(err, "failed to open wallet database")
	}
	stored, err := db.LoadSettings()
	closeErr := db.Close()
	if err != nil {
		return errContext(err, "failed to read wallet settings")
	}
	if closeErr != nil {
		return closeErr
	}
	if stored.Network != activeNet.Params.Name {
		return fmt.Errorf("wallet belongs to network %s, not %s",
			stored.Network, activeNet.Params.Name)
	}

	server := stored.Server
	if opts.Server != "" {
		server = opts.Server
	}

	w, err := wallet.Open(&wallet.Settings{
		Descriptor: stored.Descriptor,
		Params:     activeNet.Params,
		Server:     server,
		DisableTLS: opts.DisableTLS,
		Proxy:      opts.Proxy,
		DBPath:     dbPath,
	})
	if err != nil {
		return errContext(err, "failed to open wallet")
	}

	// Synchronize against the server, rendering progress on stderr so
	// standard output stays reserved for the transaction.
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("connecting"),
		progressbar.OptionSetRenderBlankState(false),
	)

	w.Start()
	if err := w.FullSync(); err != nil {
		w.Stop()
		w.WaitForShutdown()
		return err
	}

	var syncErr error
	for n := range w.Notifications() {
		w.Apply(n)

		if status := wallet.NextStatus(n); status != nil {
			bar.Describe(status.String())
		}

		switch n := n.(type) {
		case wallet.TxBatch:
			bar.Set(int(math.Round(n.Progress * 100)))
		case wallet.Complete:
			bar.Finish()
			fmt.Fprintln(os.Stderr)
			w.Stop()
		case wallet.SyncError:
			syncErr = n.Err
			w.Stop()
		}
	}
	w.WaitForShutdown()
	if syncErr != nil {
		w.Close()
		return errContext(syncErr, "failed to synchronize wallet")
	}
	if err := w.Err(); err != nil {
		w.Close()
		return err
	}

	// Persist the refreshed snapshot and release the database.  The
	// in-memory state stays usable for constructing the sweep.
	if err := w.Close(); err != nil {
		return errContext(err, "failed to save wallet snapshot")
	}

	state := w.State()
	balance := state.Balance()
	utxos := state.Utxos()
	if balance == 0 || len(utxos) == 0 {
		return errors.New("the wallet holds no spendable outputs")
	}
	reserve := opts.Reserve.Amount
	if reserve >= balance {
		return fmt.Errorf("reserve %v is not below the wallet balance %v",
			reserve, balance)
	}

	destScript, err := txscript.PayToAddrScript(destAddress)
	if err != nil {
		return err
	}

	// Size the transaction as if every unspent output is consumed, with
	// room for a change output carrying the reserve, and choose the
	// payment value that makes the builder select them all.
	changeScript, err := w.Descriptor().Script(wallet.ChainChange,
		state.NextChangeIndex())
	if err != nil {
		return err
	}
	sweepOutputs := []*wire.TxOut{wire.NewTxOut(0, destScript)}
	p2pkh, p2tr, p2wpkh, nested := classInputCounts(
		w.Descriptor().Class(), len(utxos),
	)
	vsize := txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, sweepOutputs, len(changeScript),
	)
	fee := btcutil.Amount(math.Ceil(opts.FeeRate * float64(vsize)))
	if fee < minimumFee {
		fee = minimumFee
	}
	if balance-reserve <= fee {
		return fmt.Errorf("balance %v cannot cover the sweep fee %v",
			balance-reserve, fee)
	}

	sweepOutputs[0].Value = int64(balance - reserve - fee)
	atx, err := w.CreateTransaction(sweepOutputs, opts.FeeRate)
	if err != nil {
		return errContext(err, "failed to create sweep transaction")
	}

	psbtB64, err := atx.Packet.B64Encode()
	if err != nil {
		return err
	}

	swept := btcutil.Amount(atx.Tx.TxOut[0].Value)
	fmt.Fprintf(os.Stderr, "Sweeping %v to %v with fee %v across %d %s\n",
		swept, destAddress, atx.Fee, len(atx.Tx.TxIn),
		pickNoun(len(atx.Tx.TxIn), "input", "inputs"))

	if opts.OutFile != "" {
		err := os.WriteFile(opts.OutFile, []byte(psbtB64+"\n"), 0600)
		if err != nil {
			return errContext(err, "failed to write transaction")
		}
		fmt.Fprintf(os.Stderr, "Wrote unsigned transaction to %v\n",
			opts.OutFile)
		return nil
	}
	fmt.Println(psbtB64)
	return nil
}

// classInputCounts spreads n inputs over the size estimator's script class
// parameters.
func classInputCounts(class wallet.DescriptorClass, n int) (p2pkh, p2tr, p2wpkh, nested int) {
	switch class {
	case wallet.P2PKH:
		p2pkh = n
	case wallet.P2TR:
		p2tr = n
	case wallet.P2WPKH:
		p2wpkh = n
	case wallet.NestedP2WPKH:
		nested = n
	}
	return
}

func pickNoun(n int, singularForm, pluralForm string) string {
	if n == 1 {
		return singularForm
	}
	return pluralForm
}

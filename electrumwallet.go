// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsuite/electrumwallet/wallet"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Open wallet structures from disk.
	w, err := openWallet()
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}

	// Stop the sync engine when an interrupt signal is received.  The
	// notification loop below then drains until the engine closes its
	// channel.
	addInterruptHandler(w.Stop)

	// Launch the engine and schedule the initial full synchronization
	// pass.  Later tip polls are driven by the engine's own ticker.
	w.Start()
	if err := w.FullSync(); err != nil {
		w.Stop()
		w.WaitForShutdown()
		return err
	}

	// Drain sync notifications until shutdown.  Every notification folds
	// into the wallet state, status transitions are logged, and a
	// snapshot is written after each completed pass.
	for n := range w.Notifications() {
		w.Apply(n)

		if status := wallet.NextStatus(n); status != nil {
			log.Infof("Sync status: %v", status)
		}

		switch n.(type) {
		case wallet.Complete:
			state := w.State()
			utxos := state.Utxos()
			log.Infof("Balance: %v across %d unspent %s",
				state.Balance(), len(utxos),
				pickNoun(len(utxos), "output", "outputs"))
			if err := w.SaveSnapshot(); err != nil {
				log.Errorf("Unable to save wallet snapshot: %v",
					err)
			}
		}
	}

	// A nil error here is a requested shutdown; anything else means the
	// sync engine died on its own.
	err = w.Err()
	if err != nil {
		log.Errorf("Sync engine terminated: %v", err)
	}

	// Run the registered interrupt handlers when the loop ended without a
	// signal.  When a signal was received this is a no-op and the done
	// channel is already closed.
	simulateInterrupt()
	<-interruptHandlersDone

	w.WaitForShutdown()
	if cerr := w.Close(); cerr != nil {
		log.Errorf("Unable to save wallet snapshot: %v", cerr)
		if err == nil {
			err = cerr
		}
	}

	log.Info("Shutdown complete")
	return err
}

// openWallet assembles the wallet around the settings stored at creation
// time, applying any per-session command line overrides.
func openWallet() (*wallet.Wallet, error) {
	netDir := networkDir(cfg.DataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, walletDbName)

	// The settings reader and the wallet cannot hold the database open at
	// the same time, so release it before assembling the wallet.
	db, err := wallet.OpenSnapshotDB(dbPath)
	if err != nil {
		return nil, err
	}
	stored, err := db.LoadSettings()
	closeErr := db.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	if stored.Network != activeNet.Params.Name {
		return nil, fmt.Errorf("wallet at %s belongs to network %s, "+
			"not %s", dbPath, stored.Network, activeNet.Params.Name)
	}

	server := stored.Server
	if cfg.Server != "" && cfg.Server != stored.Server {
		log.Infof("Overriding stored server %s with %s for this "+
			"session", stored.Server, cfg.Server)
		server = cfg.Server
	}
	if err := cfg.checkServerTLS(server); err != nil {
		return nil, err
	}

	log.Infof("Opening wallet %s against %s", stored.Descriptor, server)
	return wallet.Open(&wallet.Settings{
		Descriptor:   stored.Descriptor,
		Params:       activeNet.Params,
		Server:       server,
		DisableTLS:   cfg.DisableTLS,
		Proxy:        cfg.Proxy,
		SyncInterval: cfg.SyncInterval,
		DBPath:       dbPath,
	})
}

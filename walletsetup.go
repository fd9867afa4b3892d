// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/electrumwallet/internal/cfgutil"
	"github.com/btcsuite/electrumwallet/internal/prompt"
	"github.com/btcsuite/electrumwallet/wallet"
	"github.com/tyler-smith/go-bip39"
)

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, chainParams *chaincfg.Params) string {
	netname := chainParams.Name

	// For now, we must always name the testnet data directory as "testnet"
	// and not "testnet3" or any other version, as the chaincfg testnet3
	// parameters will likely be switched to being named "testnet" in the
	// future.  This is done to future proof that change, and an upgrade
	// plan to move the testnet3 data directory can be worked out later.
	if chainParams.Net == wire.TestNet3 {
		netname = "testnet"
	}

	return filepath.Join(dataDir, netname)
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}

// accountKeyFromSeed derives the account extended public key watched by the
// wallet from a BIP0039 seed.  The derivation path is m/purpose'/coin'/0'
// with the purpose taken from the address class and the coin type from the
// chain parameters.  All private key material is zeroed before returning.
func accountKeyFromSeed(seed []byte, class wallet.DescriptorClass,
	chainParams *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {

	master, err := hdkeychain.NewMaster(seed, chainParams)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	path := []uint32{
		hdkeychain.HardenedKeyStart + class.Purpose(),
		hdkeychain.HardenedKeyStart + chainParams.HDCoinType,
		hdkeychain.HardenedKeyStart,
	}
	acctKey := master
	for _, childNum := range path {
		var err error
		acctKey, err = acctKey.Derive(childNum)
		if err != nil {
			return nil, err
		}
	}
	defer acctKey.Zero()

	return acctKey.Neuter()
}

// createWallet prompts the user for information needed to generate a new
// wallet and writes the wallet settings to the wallet database.  Only the
// neutered account public key is ever stored; seeds never touch disk.
func createWallet(cfg *config) error {
	netDir := networkDir(cfg.DataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, walletDbName)

	reader := bufio.NewReader(os.Stdin)

	// Ascertain the address class new addresses derive to.
	className, err := prompt.AddressClass(reader, wallet.P2WPKH.String())
	if err != nil {
		return err
	}
	class, err := wallet.ParseDescriptorClass(className)
	if err != nil {
		return err
	}

	// The account key either comes directly from the user or is derived
	// from a wallet generation seed.
	var acctKey string
	useAccountKey, err := prompt.UseAccountKey(reader)
	if err != nil {
		return err
	}
	if useAccountKey {
		acctKey, err = prompt.AccountKey(reader)
		if err != nil {
			return err
		}
	} else {
		mnemonic, err := prompt.Seed(reader)
		if err != nil {
			return err
		}
		passphrase, err := prompt.Passphrase(reader)
		if err != nil {
			return err
		}
		seed := bip39.NewSeed(mnemonic, string(passphrase))
		key, err := accountKeyFromSeed(seed, class, activeNet.Params)
		if err != nil {
			return err
		}
		acctKey = key.String()
	}

	desc, err := wallet.NewDescriptor(class, acctKey, activeNet.Params)
	if err != nil {
		return err
	}

	// Ascertain the Electrum server unless one was given on the command
	// line.
	server := cfg.Server
	if server == "" {
		defaultServer := net.JoinHostPort("localhost",
			cfg.defaultServerPort())
		server, err = prompt.ServerAddress(reader, defaultServer)
		if err != nil {
			return err
		}
		server, err = cfgutil.NormalizeAddress(server,
			cfg.defaultServerPort())
		if err != nil {
			return err
		}
	}

	fmt.Println("Creating the wallet...")

	db, err := wallet.OpenSnapshotDB(dbPath)
	if err != nil {
		return err
	}
	err = db.SaveSettings(&wallet.WalletSettings{
		Descriptor: desc.String(),
		Network:    activeNet.Params.Name,
		Server:     server,
	})
	if err != nil {
		db.Close()
		if errOS := os.Remove(dbPath); errOS != nil {
			fmt.Println(errOS)
		}
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}

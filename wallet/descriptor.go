// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// DescriptorClass selects the script template every address of a wallet
// descriptor is built from.
type DescriptorClass uint8

const (
	// P2PKH pays to a compressed pubkey hash (BIP44 accounts).
	P2PKH DescriptorClass = iota

	// P2WPKH pays to a native segwit v0 pubkey hash (BIP84 accounts).
	P2WPKH

	// NestedP2WPKH pays to a P2WPKH program nested in P2SH (BIP49
	// accounts).
	NestedP2WPKH

	// P2TR pays to a taproot output key with no script path (BIP86
	// accounts).
	P2TR
)

// String returns the descriptor-string name of the class.
func (c DescriptorClass) String() string {
	switch c {
	case P2PKH:
		return "p2pkh"
	case P2WPKH:
		return "p2wpkh"
	case NestedP2WPKH:
		return "p2wpkh-p2sh"
	case P2TR:
		return "p2tr"
	}
	return "unknown"
}

// Purpose returns the BIP43 purpose field conventionally used for accounts
// of this class.
func (c DescriptorClass) Purpose() uint32 {
	switch c {
	case P2PKH:
		return 44
	case NestedP2WPKH:
		return 49
	case P2WPKH:
		return 84
	case P2TR:
		return 86
	}
	return 0
}

// scriptSize returns the pkScript size of outputs paying to this class.
func (c DescriptorClass) scriptSize() int {
	switch c {
	case P2PKH:
		return txsizes.P2PKHPkScriptSize
	case P2WPKH:
		return txsizes.P2WPKHPkScriptSize
	case NestedP2WPKH:
		return txsizes.NestedP2WPKHPkScriptSize
	case P2TR:
		return txsizes.P2TRPkScriptSize
	}
	return 0
}

// inputCounts spreads n inputs of this class over the per-class arguments
// of txsizes.EstimateVirtualSize.
func (c DescriptorClass) inputCounts(n int) (p2pkh, p2tr, p2wpkh, nested int) {
	switch c {
	case P2PKH:
		p2pkh = n
	case P2TR:
		p2tr = n
	case P2WPKH:
		p2wpkh = n
	case NestedP2WPKH:
		nested = n
	}
	return
}

// ParseDescriptorClass maps a descriptor-string name back to its class.
func ParseDescriptorClass(name string) (DescriptorClass, error) {
	for _, c := range []DescriptorClass{P2PKH, P2WPKH, NestedP2WPKH, P2TR} {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown descriptor class %q", name)
}

// Descriptor is a watch-only account descriptor: an account-level extended
// public key plus the script class its addresses follow.  Addresses are
// derived on the two unhardened branches below the account, external for
// receiving and internal for change.
type Descriptor struct {
	class    DescriptorClass
	acctKey  *hdkeychain.ExtendedKey
	params   *chaincfg.Params
	branches [2]*hdkeychain.ExtendedKey

	// fingerprint identifies the account key in PSBT derivation fields.
	fingerprint uint32
}

// NewDescriptor builds a descriptor from an account extended key.  A
// private key is neutered; the engine never holds signing material.
func NewDescriptor(class DescriptorClass, acctKey string,
	params *chaincfg.Params) (*Descriptor, error) {

	key, err := hdkeychain.NewKeyFromString(acctKey)
	if err != nil {
		return nil, fmt.Errorf("invalid account key: %w", err)
	}
	if key.IsPrivate() {
		key, err = key.Neuter()
		if err != nil {
			return nil, err
		}
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("account key is not for network %s",
			params.Name)
	}

	d := &Descriptor{
		class:   class,
		acctKey: key,
		params:  params,
	}
	for _, chain := range []DerivationChain{ChainReceiving, ChainChange} {
		branch, err := key.Derive(uint32(chain))
		if err != nil {
			return nil, fmt.Errorf("unable to derive %v branch: %w",
				chain, err)
		}
		d.branches[chain] = branch
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	fp := btcutil.Hash160(pubKey.SerializeCompressed())[:4]
	d.fingerprint = binary.BigEndian.Uint32(fp)

	return d, nil
}

// ParseDescriptor parses the string form produced by String, e.g.
// "p2wpkh(xpub...)".
func ParseDescriptor(desc string, params *chaincfg.Params) (*Descriptor, error) {
	open := strings.IndexByte(desc, '(')
	if open < 0 || !strings.HasSuffix(desc, ")") {
		return nil, fmt.Errorf("malformed descriptor %q", desc)
	}
	class, err := ParseDescriptorClass(desc[:open])
	if err != nil {
		return nil, err
	}
	return NewDescriptor(class, desc[open+1:len(desc)-1], params)
}

// Class returns the descriptor's script class.
func (d *Descriptor) Class() DescriptorClass {
	return d.class
}

// String renders the descriptor in its parseable form.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.class, d.acctKey)
}

// branch returns the extended key for a derivation chain.
func (d *Descriptor) branch(chain DerivationChain) (*hdkeychain.ExtendedKey, error) {
	if chain != ChainReceiving && chain != ChainChange {
		return nil, fmt.Errorf("unknown derivation chain %d", chain)
	}
	return d.branches[chain], nil
}

// PubKey derives the compressed public key at (chain, index).
func (d *Descriptor) PubKey(chain DerivationChain,
	index uint32) (*btcec.PublicKey, error) {

	branch, err := d.branch(chain)
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("unable to derive %v/%d: %w", chain,
			index, err)
	}
	return child.ECPubKey()
}

// Address derives the address at (chain, index) according to the
// descriptor's class.
func (d *Descriptor) Address(chain DerivationChain,
	index uint32) (btcutil.Address, error) {

	pubKey, err := d.PubKey(chain, index)
	if err != nil {
		return nil, err
	}
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch d.class {
	case P2PKH:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, d.params)

	case P2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, d.params)

	case NestedP2WPKH:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, d.params,
		)
		if err != nil {
			return nil, err
		}
		witnessProg, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(witnessProg, d.params)

	case P2TR:
		outputKey := txscript.ComputeTaprootOutputKey(pubKey, nil)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), d.params,
		)
	}

	return nil, fmt.Errorf("unknown descriptor class %d", d.class)
}

// Script derives the pkScript paying to the address at (chain, index).
func (d *Descriptor) Script(chain DerivationChain, index uint32) ([]byte, error) {
	addr, err := d.Address(chain, index)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// RedeemScript returns the P2SH redeem script for a NestedP2WPKH address,
// that is the witness program paying to the pubkey hash.  Other classes
// have no redeem script and return nil.
func (d *Descriptor) RedeemScript(chain DerivationChain,
	index uint32) ([]byte, error) {

	if d.class != NestedP2WPKH {
		return nil, nil
	}
	pubKey, err := d.PubKey(chain, index)
	if err != nil {
		return nil, err
	}
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), d.params,
	)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(witnessAddr)
}

// Derivation returns the account key fingerprint and the unhardened path
// below it for the address at (chain, index), in the shape PSBT derivation
// fields expect.
func (d *Descriptor) Derivation(chain DerivationChain,
	index uint32) (uint32, []uint32) {

	return d.fingerprint, []uint32{uint32(chain), index}
}

// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

var (
	// ErrNoOutputs is returned when a transaction is requested without any
	// beneficiary outputs.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrMissingFeeRate is returned when a transaction is requested with a
	// zero or negative fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrInsufficientFunds is returned when the wallet's spendable outputs
	// cannot cover the requested outputs plus the transaction fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrFeeFailure is returned when the fee did not stabilize within the
	// iteration limit.
	ErrFeeFailure = errors.New("fee estimation did not converge")
)

const (
	// feeFloor is the absolute minimum fee assumed for any constructed
	// transaction, matching bitcoin's dust relay fee constant of 3000
	// satoshis.  Fee iteration starts here and never goes below it.
	feeFloor = btcutil.Amount(3000)

	// feeIterationLimit bounds the select-then-estimate cycles of
	// CreateFundedTransaction.  Growing the fee can pull in more inputs,
	// which grows the transaction and the fee again; a transaction whose
	// fee has not stabilized after this many rounds is rejected.
	feeIterationLimit = 6
)

// AuthoredTx holds an unsigned transaction constructed from the wallet's
// spendable outputs together with the metadata a signer and the submitting
// caller need.
type AuthoredTx struct {
	// Tx is the unsigned transaction.  It is the same transaction
	// embedded in Packet.
	Tx *wire.MsgTx

	// Packet is the partially signed transaction with UTXO, sighash and
	// derivation information populated for an external signer.
	Packet *psbt.Packet

	// Fee is the absolute fee the transaction pays, including any dust
	// change that was absorbed.
	Fee btcutil.Amount

	// TotalInput is the summed value of the selected inputs.
	TotalInput btcutil.Amount

	// SelectedPrevouts lists the wallet outputs consumed, in input order.
	// The caller retires them from the wallet state when the transaction
	// is handed off for signing.
	SelectedPrevouts []Prevout

	// ChangeIndex is the change output's position in Tx.TxOut, or -1
	// when the change was dust and absorbed into the fee.
	ChangeIndex int
}

// byAmount defines the methods needed to satisify sort.Interface to
// sort prevouts by their output amount.
type byAmount []Prevout

func (s byAmount) Len() int           { return len(s) }
func (s byAmount) Less(i, j int) bool { return s[i].Amount < s[j].Amount }
func (s byAmount) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// makeInputSource creates an input source that dispenses the eligible
// prevouts largest first.  Selected prevouts accumulate across calls and are
// appended to *selected in input order.  Scripts are derived up front so the
// returned source itself cannot fail.
func makeInputSource(desc *Descriptor, eligible []Prevout,
	selected *[]Prevout) (txauthor.InputSource, error) {

	// Pick largest outputs first to minimize the input count.
	sort.Sort(sort.Reverse(byAmount(eligible)))

	scripts := make([][]byte, len(eligible))
	for i := range eligible {
		script, err := desc.Script(eligible[i].Chain(), eligible[i].Index)
		if err != nil {
			return nil, err
		}
		scripts[i] = script
	}

	// Current inputs and their total value.  These are closed over by the
	// returned input source and reused across multiple calls.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			nextPrevout := eligible[0]
			nextScript := scripts[0]
			eligible, scripts = eligible[1:], scripts[1:]

			outPoint := nextPrevout.OutPoint
			currentTotal += nextPrevout.Amount
			currentInputs = append(
				currentInputs, wire.NewTxIn(&outPoint, nil, nil),
			)
			currentScripts = append(currentScripts, nextScript)
			currentInputValues = append(
				currentInputValues, nextPrevout.Amount,
			)
			*selected = append(*selected, nextPrevout)
		}
		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}, nil
}

// feeForVsize converts a sat/vB rate into an absolute fee for a transaction
// of the given virtual size, rounding up and clamping to the fee floor.
func feeForVsize(feeRate float64, vsize int) btcutil.Amount {
	fee := btcutil.Amount(math.Ceil(feeRate * float64(vsize)))
	if fee < feeFloor {
		return feeFloor
	}
	return fee
}

// CreateFundedTransaction constructs an unsigned transaction paying the
// given outputs from the wallet's spendable set, at the given fee rate in
// sat/vB.
//
// The fee and the input set are found iteratively: starting from the fee
// floor, inputs covering outputs plus fee are selected largest first, the
// worst-case virtual size of the resulting transaction determines the next
// fee, and the cycle repeats until the fee stops moving.  A change output
// paying the surplus to the wallet's next internal address is added unless
// the surplus is dust, in which case the fee absorbs it.
//
// The wallet state is not mutated.  On submission the caller retires the
// selected prevouts, and the change index if a change output exists, so a
// subsequent build cannot reuse them.
func CreateFundedTransaction(state *WalletState, desc *Descriptor,
	outputs []*wire.TxOut, feeRate float64) (*AuthoredTx, error) {

	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if feeRate <= 0 {
		return nil, ErrMissingFeeRate
	}
	var outputTotal btcutil.Amount
	for _, output := range outputs {
		err := txrules.CheckOutput(output, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, err
		}
		outputTotal += btcutil.Amount(output.Value)
	}

	var selected []Prevout
	inputSource, err := makeInputSource(desc, state.Prevouts(), &selected)
	if err != nil {
		return nil, err
	}

	nextChange := state.NextChangeIndex()
	changeSource := &txauthor.ChangeSource{
		ScriptSize: desc.class.scriptSize(),
		NewScript: func() ([]byte, error) {
			return desc.Script(ChainChange, nextChange)
		},
	}

	fee := feeFloor
	for cycle := 0; cycle < feeIterationLimit; cycle++ {
		inputTotal, inputs, _, scripts, err := inputSource(
			outputTotal + fee,
		)
		if err != nil {
			return nil, err
		}
		if inputTotal < outputTotal+fee {
			return nil, ErrInsufficientFunds
		}

		// Estimate the worst case size of the signed transaction,
		// always reserving room for the change output.
		p2pkh, p2tr, p2wpkh, nested := desc.class.inputCounts(len(inputs))
		vsize := txsizes.EstimateVirtualSize(
			p2pkh, p2tr, p2wpkh, nested, outputs,
			changeSource.ScriptSize,
		)

		nextFee := feeForVsize(feeRate, vsize)
		if nextFee == fee {
			log.Debugf("Fee stabilized at %v after %d %s (%d inputs, "+
				"%d vB)", fee, cycle+1,
				pickNoun(cycle+1, "cycle", "cycles"), len(inputs),
				vsize)
			return assemblePacket(
				state, desc, outputs, outputTotal, changeSource,
				nextChange, fee, inputTotal, scripts, selected,
			)
		}
		fee = nextFee
	}

	return nil, ErrFeeFailure
}

// assemblePacket builds the PSBT for a converged input selection and
// decorates it with everything a signer needs.
func assemblePacket(state *WalletState, desc *Descriptor,
	outputs []*wire.TxOut, outputTotal btcutil.Amount,
	changeSource *txauthor.ChangeSource, changeDerivation uint32,
	fee, inputTotal btcutil.Amount, scripts [][]byte,
	selected []Prevout) (*AuthoredTx, error) {

	finalOutputs := make([]*wire.TxOut, len(outputs), len(outputs)+1)
	copy(finalOutputs, outputs)

	changeIndex := -1
	changeAmount := inputTotal - outputTotal - fee
	dust := txrules.IsDustAmount(
		changeAmount, changeSource.ScriptSize, txrules.DefaultRelayFeePerKb,
	)
	if changeAmount > 0 && !dust {
		changeScript, err := changeSource.NewScript()
		if err != nil {
			return nil, err
		}
		finalOutputs = append(finalOutputs, wire.NewTxOut(
			int64(changeAmount), changeScript,
		))
		changeIndex = len(finalOutputs) - 1
	} else {
		// Dust change is not worth an output.
		fee += changeAmount
	}

	outPoints := make([]*wire.OutPoint, len(selected))
	sequences := make([]uint32, len(selected))
	for i := range selected {
		outPoint := selected[i].OutPoint
		outPoints[i] = &outPoint
		sequences[i] = wire.MaxTxInSequenceNum
	}

	packet, err := psbt.New(outPoints, finalOutputs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}
	for i := range selected {
		err := decorateInput(
			state, desc, &packet.Inputs[i], &selected[i], scripts[i],
		)
		if err != nil {
			return nil, err
		}
	}
	if changeIndex >= 0 {
		err := decorateChangeOutput(
			desc, &packet.Outputs[changeIndex], changeDerivation,
		)
		if err != nil {
			return nil, err
		}
	}

	return &AuthoredTx{
		Tx:               packet.UnsignedTx,
		Packet:           packet,
		Fee:              fee,
		TotalInput:       inputTotal,
		SelectedPrevouts: selected,
		ChangeIndex:      changeIndex,
	}, nil
}

// decorateInput populates a PSBT input with the UTXO, sighash and BIP32
// derivation info an external signer needs.
func decorateInput(state *WalletState, desc *Descriptor, in *psbt.PInput,
	prevout *Prevout, pkScript []byte) error {

	pubKey, err := desc.PubKey(prevout.Chain(), prevout.Index)
	if err != nil {
		return err
	}
	fingerprint, path := desc.Derivation(prevout.Chain(), prevout.Index)
	derivation := &psbt.Bip32Derivation{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: fingerprint,
		Bip32Path:            path,
	}
	in.Bip32Derivation = []*psbt.Bip32Derivation{derivation}

	utxo := &wire.TxOut{
		Value:    int64(prevout.Amount),
		PkScript: pkScript,
	}

	switch desc.class {
	case P2TR:
		// For SegWit v1 only the witness UTXO information is needed.
		in.WitnessUtxo = utxo
		in.SighashType = txscript.SigHashDefault
		in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          derivation.PubKey[1:],
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            path,
		}}

	case P2WPKH, NestedP2WPKH:
		// As a fix for CVE-2020-14199 we have to always include the
		// full non-witness UTXO in the PSBT for segwit v0.
		prevTx, ok := state.Transaction(prevout.OutPoint.Hash)
		if !ok {
			return fmt.Errorf("funding transaction %v not synced",
				prevout.OutPoint.Hash)
		}
		in.NonWitnessUtxo = prevTx
		in.WitnessUtxo = utxo
		in.SighashType = txscript.SigHashAll

		// For nested P2WPKH we need to add the redeem script to the
		// input, otherwise an offline signer won't be able to sign for
		// it.
		if desc.class == NestedP2WPKH {
			redeemScript, err := desc.RedeemScript(
				prevout.Chain(), prevout.Index,
			)
			if err != nil {
				return err
			}
			in.RedeemScript = redeemScript
		}

	case P2PKH:
		prevTx, ok := state.Transaction(prevout.OutPoint.Hash)
		if !ok {
			return fmt.Errorf("funding transaction %v not synced",
				prevout.OutPoint.Hash)
		}
		in.NonWitnessUtxo = prevTx
		in.SighashType = txscript.SigHashAll
	}

	return nil
}

// decorateChangeOutput marks the change output as owned by the wallet by
// attaching its derivation info, so a signer can verify change really pays
// back to the wallet.
func decorateChangeOutput(desc *Descriptor, out *psbt.POutput,
	index uint32) error {

	pubKey, err := desc.PubKey(ChainChange, index)
	if err != nil {
		return err
	}
	fingerprint, path := desc.Derivation(ChainChange, index)
	derivation := &psbt.Bip32Derivation{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: fingerprint,
		Bip32Path:            path,
	}
	out.Bip32Derivation = []*psbt.Bip32Derivation{derivation}

	if desc.class == P2TR {
		schnorrPubKey := derivation.PubKey[1:]
		out.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          schnorrPubKey,
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            path,
		}}
		out.TaprootInternalKey = schnorrPubKey
	}

	return nil
}

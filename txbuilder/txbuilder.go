// Package txbuilder assembles the four transaction shapes a payment channel
// needs — funding, refund, payment, and (implicitly, via BuildPayment) close
// — and computes the fee and dust accounting they share. Every function here
// is pure: given the same inputs it always returns the same transaction, and
// none of them touch a wallet, a signer, or the network.
package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// ReferenceMinFee is the reference minimum relay fee, in satoshis,
	// that a single-kilobyte transaction is assumed to require. Larger
	// transactions pay a multiple of it; see EstimateFee.
	ReferenceMinFee = btcutil.Amount(10_000)

	// MinNonDustOutput is the smallest output value, in satoshis, that
	// is not considered dust.
	MinNonDustOutput = btcutil.Amount(546)

	// RefundSequence is the input sequence number every refund
	// transaction's sole input must carry. It is strictly less than
	// 0xFFFFFFFF so that the refund's LockTime is honored by consensus,
	// while still disabling BIP 125 replace-by-fee.
	RefundSequence = uint32(0xFFFFFFFE)

	// txVersion is the transaction version used for every transaction
	// this package builds.
	txVersion = 1
)

// UTXO is a spendable output a Wallet offers up as a funding input.
type UTXO struct {
	// OutPoint identifies the output being spent.
	OutPoint wire.OutPoint

	// Value is the amount, in satoshis, held by the output.
	Value btcutil.Amount

	// PkScript is the output's public key script.
	PkScript []byte
}

// IsDust reports whether amount is below MinNonDustOutput.
func IsDust(amount btcutil.Amount) bool {
	return amount < MinNonDustOutput
}

// EstimateFee returns the fee tx should pay, scaling ReferenceMinFee by the
// transaction's size in whole (rounded up) kilobytes, with a floor of one
// ReferenceMinFee.
func EstimateFee(tx *wire.MsgTx) btcutil.Amount {
	size := tx.SerializeSize()
	kilobytes := (size + 999) / 1000
	if kilobytes < 1 {
		kilobytes = 1
	}

	return btcutil.Amount(kilobytes) * ReferenceMinFee
}

// MultisigScript builds the bare 2-of-2 multisig script for the funding
// output, with clientPub and serverPub appearing in that fixed order. Unlike
// input.GenMultiSigScript in the wider ecosystem, the keys are deliberately
// NOT sorted: the server identifies the funding output by matching the
// (client, server) key order exactly.
func MultisigScript(clientPub, serverPub *btcec.PublicKey) ([]byte, error) {
	if clientPub == nil || serverPub == nil {
		return nil, fmt.Errorf("multisig script requires both pubkeys")
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(clientPub.SerializeCompressed())
	bldr.AddData(serverPub.SerializeCompressed())
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// P2PKHScript builds a standard pay-to-pubkey-hash script paying to
// pubKeyHash.
func P2PKHScript(pubKeyHash []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_DUP)
	bldr.AddOp(txscript.OP_HASH160)
	bldr.AddData(pubKeyHash)
	bldr.AddOp(txscript.OP_EQUALVERIFY)
	bldr.AddOp(txscript.OP_CHECKSIG)

	return bldr.Script()
}

// BuildFunding assembles the funding transaction: output #0 locks total
// satoshis into the (clientPub, serverPub) multisig script, and output #1
// (if change is non-dust) returns the leftover change to changeScript.
// inputs must already sum to at least total+change; callers (typically
// ClientState.Initiate, via Wallet.SelectCoins) are responsible for picking
// a set of UTXOs that does.
func BuildFunding(clientPub, serverPub *btcec.PublicKey, total btcutil.Amount,
	inputs []UTXO, changeScript []byte, change btcutil.Amount) (*wire.MsgTx, error) {

	if total <= 0 {
		return nil, fmt.Errorf("can't create funding tx with zero or " +
			"negative value")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("funding tx requires at least one input")
	}

	multisigScript, err := MultisigScript(clientPub, serverPub)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}

	tx.AddTxOut(wire.NewTxOut(int64(total), multisigScript))

	if !IsDust(change) {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	return tx, nil
}

// BuildRefund assembles the (unsigned) refund transaction spending
// fundingOutpoint back to clientScript, maturing at locktime.
func BuildRefund(fundingOutpoint wire.OutPoint, clientScript []byte,
	amount btcutil.Amount, locktime uint32) *wire.MsgTx {

	tx := wire.NewMsgTx(txVersion)

	txIn := wire.NewTxIn(&fundingOutpoint, nil, nil)
	txIn.Sequence = RefundSequence
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(amount), clientScript))
	tx.LockTime = locktime

	return tx
}

// BuildPayment assembles a payment transaction spending fundingOutpoint into
// toServer satoshis paid to serverScript and toClient satoshis paid to
// clientScript. Either output is omitted entirely when its amount is zero,
// so a payment that exhausts the channel produces a single-output
// transaction.
func BuildPayment(fundingOutpoint wire.OutPoint, serverScript []byte,
	toServer btcutil.Amount, clientScript []byte,
	toClient btcutil.Amount) *wire.MsgTx {

	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(wire.NewTxIn(&fundingOutpoint, nil, nil))

	if toServer > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(toServer), serverScript))
	}
	if toClient > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(toClient), clientScript))
	}

	return tx
}

// Package sigcheck implements the cryptographic and encoding checks every
// signature exchanged between the two sides of a channel must pass: DER
// canonicality, a purpose-specific sighash-flag whitelist, and verification
// against the funding output's script. Every function here is pure.
package sigcheck

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Purpose names the role a signature plays, which determines the set of
// sighash flags it may legally carry.
type Purpose int

const (
	// Refund signatures authorize spending the funding output back to
	// the client after expiry; the server must sign with SIGHASH_ALL so
	// the client cannot alter the refund after the fact.
	Refund Purpose = iota

	// Payment signatures authorize the server to claim an
	// ever-increasing share of the funding output; the client signs
	// with SIGHASH_SINGLE|ANYONECANPAY so the server may add its own
	// fee-paying input/output without invalidating the signature.
	Payment
)

// halfOrder is secp256k1's group order divided by two. A signature's S value
// must not exceed it, per the low-S policy rule relay nodes enforce.
var halfOrder = new(big.Int).Rsh(btcec.S256().N, 1)

// AllowedSigHash returns the sighash byte a signature of the given purpose
// must carry exactly.
func AllowedSigHash(purpose Purpose) txscript.SigHashType {
	switch purpose {
	case Refund:
		return txscript.SigHashAll
	case Payment:
		return txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	default:
		panic("sigcheck: unknown purpose")
	}
}

// CheckSigHashFlag validates that raw, the last byte of a signature, is
// exactly the flag purpose requires. Any flag in the SIGHASH_NONE family is
// always rejected, even for purposes that don't otherwise match it, since a
// NONE-type signature would let the counterparty rewrite outputs freely.
func CheckSigHashFlag(raw byte, purpose Purpose) error {
	const sigHashNoneMask = 0x1f

	if raw&sigHashNoneMask == byte(txscript.SigHashNone) {
		return fmt.Errorf("sighash flag 0x%x is a SIGHASH_NONE variant, "+
			"which is never accepted", raw)
	}

	want := AllowedSigHash(purpose)
	if txscript.SigHashType(raw) != want {
		return fmt.Errorf("sighash flag 0x%x does not match the required "+
			"0x%x for this signature's purpose", raw, want)
	}

	return nil
}

// IsCanonicalEncoding validates that sigBytes (the DER-encoded R,S pair,
// without the trailing sighash byte) is minimally encoded and carries a
// low-S value. It delegates the structural check to
// btcec/v2/ecdsa.ParseDERSignature, which already rejects non-minimal
// lengths and leading zero padding; this function adds the low-S policy
// check on top, since strict DER parsing alone does not enforce it.
func IsCanonicalEncoding(sigBytes []byte) error {
	if _, err := ecdsa.ParseDERSignature(sigBytes); err != nil {
		return fmt.Errorf("not canonical: %v", err)
	}

	// Slice S out of the caller's own bytes, which strict parsing has
	// just confirmed are minimal DER. A re-serialized Signature would not
	// do: Serialize always emits the low-S form, hiding a high S value.
	_, s, err := splitDER(sigBytes)
	if err != nil {
		return fmt.Errorf("not canonical: %v", err)
	}

	sVal := new(big.Int).SetBytes(s)
	if sVal.Cmp(halfOrder) > 0 {
		return fmt.Errorf("not canonical: S value is higher than the " +
			"curve order divided by two")
	}

	return nil
}

// splitDER extracts the raw R and S byte strings from a minimally-encoded
// DER signature of the form 0x30 len 0x02 rlen R 0x02 slen S.
func splitDER(der []byte) (r, s []byte, err error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, nil, fmt.Errorf("malformed DER header")
	}
	if int(der[1]) != len(der)-2 {
		return nil, nil, fmt.Errorf("malformed DER length")
	}
	if der[2] != 0x02 {
		return nil, nil, fmt.Errorf("missing R integer marker")
	}

	rLen := int(der[3])
	if 4+rLen+2 > len(der) {
		return nil, nil, fmt.Errorf("R integer out of bounds")
	}
	r = der[4 : 4+rLen]

	sMarkerIdx := 4 + rLen
	if der[sMarkerIdx] != 0x02 {
		return nil, nil, fmt.Errorf("missing S integer marker")
	}

	sLen := int(der[sMarkerIdx+1])
	sStart := sMarkerIdx + 2
	if sStart+sLen != len(der) {
		return nil, nil, fmt.Errorf("S integer out of bounds")
	}
	s = der[sStart : sStart+sLen]

	return r, s, nil
}

// Verify checks that sigWithHashType (a DER signature with a trailing
// sighash byte) was produced by the holder of pubKey over the legacy
// signature hash of tx's inputIdx'th input, computed against script.
// inputValue is not part of the legacy sighash and is not used.
func Verify(sigWithHashType []byte, pubKey *btcec.PublicKey, script []byte,
	tx *wire.MsgTx, inputIdx int, inputValue btcutil.Amount) (bool, error) {

	if len(sigWithHashType) == 0 {
		return false, fmt.Errorf("empty signature")
	}

	hashType := txscript.SigHashType(sigWithHashType[len(sigWithHashType)-1])
	derSig := sigWithHashType[:len(sigWithHashType)-1]

	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false, fmt.Errorf("not canonical: %v", err)
	}

	sigHash, err := txscript.CalcSignatureHash(script, hashType, tx, inputIdx)
	if err != nil {
		return false, fmt.Errorf("unable to compute sighash: %v", err)
	}

	return sig.Verify(sigHash, pubKey), nil
}

// CheckPayment runs the full validation pipeline — canonical encoding,
// sighash-flag whitelist, then cryptographic verification — for a payment
// signature, in that order so the most specific failure is reported first.
func CheckPayment(sig []byte, pubKey *btcec.PublicKey, script []byte,
	tx *wire.MsgTx, inputIdx int, inputValue btcutil.Amount) error {

	return check(sig, pubKey, script, tx, inputIdx, inputValue, Payment)
}

// CheckRefund is CheckPayment's counterpart for refund signatures.
func CheckRefund(sig []byte, pubKey *btcec.PublicKey, script []byte,
	tx *wire.MsgTx, inputIdx int, inputValue btcutil.Amount) error {

	return check(sig, pubKey, script, tx, inputIdx, inputValue, Refund)
}

func check(sig []byte, pubKey *btcec.PublicKey, script []byte,
	tx *wire.MsgTx, inputIdx int, inputValue btcutil.Amount,
	purpose Purpose) error {

	if len(sig) < 2 {
		return fmt.Errorf("not canonical: signature too short")
	}

	derSig := sig[:len(sig)-1]
	hashFlag := sig[len(sig)-1]

	if err := IsCanonicalEncoding(derSig); err != nil {
		return err
	}
	if err := CheckSigHashFlag(hashFlag, purpose); err != nil {
		return err
	}

	ok, err := Verify(sig, pubKey, script, tx, inputIdx, inputValue)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature does not verify against the " +
			"provided public key and script")
	}

	log.Tracef("validated %v signature for input %d", purpose, inputIdx)

	return nil
}

// String implements fmt.Stringer for Purpose, mostly for log messages.
func (p Purpose) String() string {
	switch p {
	case Refund:
		return "refund"
	case Payment:
		return "payment"
	default:
		return "unknown"
	}
}

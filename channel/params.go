// Package channel implements the two coupled state machines — ClientState
// and ServerState — that drive a unidirectional Bitcoin micropayment
// channel from creation through either a cooperative close or an on-chain
// refund. Everything that touches the network, the wallet, or persistence
// is expressed as an interface the caller supplies; this package only
// contains the protocol logic.
package channel

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-paychan/paychan/txbuilder"
)

const (
	// ClientRebroadcastDelay is the grace period, after ExpireTime, the
	// client waits before its chanstorage entry rebroadcasts the funding
	// and refund transactions.
	ClientRebroadcastDelay = 5 * time.Minute

	// ServerCloseDeadline is how long before ExpireTime the server's
	// chanstorage entry rebroadcasts the best known payment transaction,
	// to claim funds before the refund matures.
	ServerCloseDeadline = 2 * time.Hour

	// ServerMinLocktimeMargin is the minimum amount of slack the server
	// demands between its own clock's current time and the refund's
	// locktime: a proposed refund that matures any sooner than
	// now+ServerMinLocktimeMargin is rejected. The server adopts the
	// accepted refund's locktime as the channel's ExpireTime.
	ServerMinLocktimeMargin = 1 * time.Hour
)

// KeyPair holds a public key and, for the side that owns it, the
// corresponding private key.
type KeyPair struct {
	// Priv is the private half of the keypair, or nil if only the
	// public key is known (as is always the case for the counterparty's
	// key).
	Priv *btcec.PrivateKey

	// Pub is the public half of the keypair.
	Pub *btcec.PublicKey
}

// NewKeyPair derives a KeyPair from a private key.
func NewKeyPair(priv *btcec.PrivateKey) KeyPair {
	return KeyPair{Priv: priv, Pub: priv.PubKey()}
}

// NewPubKeyOnly builds a KeyPair holding only a counterparty's public key,
// given its compressed serialization. The bytes must already be in
// canonical (minimal, compressed) form: this function round-trips them
// through btcec.ParsePubKey and rejects any encoding that doesn't
// re-serialize to exactly the bytes given.
func NewPubKeyOnly(compressed []byte) (KeyPair, error) {
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("not canonical: %v", err)
	}

	if !bytes.Equal(pub.SerializeCompressed(), compressed) {
		return KeyPair{}, fmt.Errorf("not canonical: public key is not " +
			"minimally encoded")
	}

	return KeyPair{Pub: pub}, nil
}

// ChannelParameters is the immutable configuration agreed at channel birth.
// ClientState is built from a ChannelParameters value holding the client's
// Priv; ServerState assembles its own value, holding the server's Priv,
// from the client's refund transaction in ProvideRefundTransaction.
type ChannelParameters struct {
	// ClientKey is the client's funding keypair. The client holds the
	// private key; the server is given only the public half.
	ClientKey KeyPair

	// ServerKey is the server's funding keypair. The server holds the
	// private key; the client is given only the public half.
	ServerKey KeyPair

	// TotalValue is the maximum amount, in satoshis, the channel can
	// ever pay the server.
	TotalValue btcutil.Amount

	// ExpireTime is the absolute UNIX-seconds locktime after which the
	// refund transaction becomes spendable.
	ExpireTime int64
}

// MultisigScript derives the channel's 2-of-2 funding script, with the
// client's key appearing before the server's — the fixed order every other
// component in this package relies on.
func (p *ChannelParameters) MultisigScript() ([]byte, error) {
	return txbuilder.MultisigScript(p.ClientKey.Pub, p.ServerKey.Pub)
}

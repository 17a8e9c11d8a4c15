package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// The types below describe the shapes of the messages exchanged between
// client and server while driving ClientState and ServerState. Wire
// encoding is out of scope for this package; callers are free to marshal
// these however their transport requires.

// InitiateRefund is sent client to server, carrying the unsigned refund
// transaction for the server to sign.
type InitiateRefund struct {
	RefundTx *wire.MsgTx
}

// RefundSignature is sent server to client in response to InitiateRefund.
type RefundSignature struct {
	Sig []byte
}

// FundingReady is sent client to server once the client has the server's
// refund signature in hand and has committed the funding transaction to its
// wallet as pending.
type FundingReady struct {
	MultisigTx *wire.MsgTx
}

// ChannelOpen is sent server to client once the funding transaction has
// been broadcast and accepted.
type ChannelOpen struct{}

// PaymentUpdate is sent client to server, repeatedly, each time the client
// authorizes the server to claim more of the channel.
type PaymentUpdate struct {
	ClientRefundAmount btcutil.Amount
	Sig                []byte
}

package channel

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-paychan/paychan/txbuilder"
)

// UTXO is a spendable output the Wallet offers up as a funding input.
type UTXO = txbuilder.UTXO

// Wallet is the external collaborator that supplies coins for funding
// transactions, tracks pending spends, and signs the inputs it owns. The
// core state machines never touch a private key directly except the
// channel's own funding key, which they hold in ChannelParameters; all
// other signing goes through this interface.
type Wallet interface {
	// SelectCoins picks a set of UTXOs summing to at least amt, plus a
	// change script and amount to return any excess to.
	SelectCoins(amt btcutil.Amount) (inputs []UTXO, changeScript []byte,
		change btcutil.Amount, err error)

	// CommitPending marks tx as an in-flight spend of its inputs, so a
	// later SelectCoins call on this wallet won't double-spend them.
	CommitPending(tx *wire.MsgTx) error

	// GetPending returns the set of transactions previously committed
	// via CommitPending that haven't yet confirmed.
	GetPending() []*wire.MsgTx

	// SignInput produces a signature for input idx of tx, spending an
	// output carrying prevScript and prevValue, using key and hashType.
	SignInput(tx *wire.MsgTx, idx int, key *btcec.PrivateKey,
		hashType txscript.SigHashType, prevScript []byte,
		prevValue btcutil.Amount) ([]byte, error)

	// ReceiveFromBlock notifies the wallet that tx confirmed at
	// blockHeight, so it can stop treating tx's inputs as pending and
	// start tracking its outputs.
	ReceiveFromBlock(tx *wire.MsgTx, blockHeight int32)
}

// BroadcastFuture is the settle point for an asynchronous Broadcast call. It
// is safe to Await from multiple goroutines; all of them observe the same
// settled value.
type BroadcastFuture struct {
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	tx        *wire.MsgTx
	err       error
	observers []func(*wire.MsgTx, error)
}

// NewBroadcastFuture returns a future that hasn't settled yet.
func NewBroadcastFuture() *BroadcastFuture {
	return &BroadcastFuture{done: make(chan struct{})}
}

// Settle resolves the future with tx (on success) or err (on failure). Only
// the first call has any effect; later calls are no-ops, mirroring how a
// real broadcaster only ever reports one outcome per transaction. Any
// observer registered via OnSettle is invoked synchronously, on whichever
// goroutine calls Settle.
func (f *BroadcastFuture) Settle(tx *wire.MsgTx, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.tx, f.err = tx, err
		observers := f.observers
		f.observers = nil
		f.mu.Unlock()

		close(f.done)

		for _, observe := range observers {
			observe(tx, err)
		}
	})
}

// OnSettle registers fn to run once the future settles, so a caller that
// dispatched the broadcast without blocking can still react to its outcome
// by re-acquiring whatever lock it needs inside fn. If the future has
// already settled, fn runs immediately, synchronously, on the calling
// goroutine.
func (f *BroadcastFuture) OnSettle(fn func(tx *wire.MsgTx, err error)) {
	f.mu.Lock()

	select {
	case <-f.done:
		tx, err := f.tx, f.err
		f.mu.Unlock()
		fn(tx, err)
		return
	default:
	}

	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

// Await blocks until the future settles or ctx is done, whichever comes
// first. A context cancellation does not itself settle the future — a
// caller that times out may still see the broadcast eventually succeed or
// fail through a different Await call.
func (f *BroadcastFuture) Await(ctx context.Context) (*wire.MsgTx, error) {
	select {
	case <-f.done:
		return f.tx, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has resolved, without blocking.
func (f *BroadcastFuture) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Broadcaster gossips a finalized transaction onto the network.
type Broadcaster interface {
	// Broadcast submits tx to the network and returns a future that
	// settles once the network has accepted or rejected it.
	Broadcast(tx *wire.MsgTx) *BroadcastFuture
}

package channel

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// testKey deterministically derives a private key from seed, for use as
// fixture data across tests.
func testKey(seed byte) *btcec.PrivateKey {
	h := sha256.Sum256([]byte{seed})
	priv, _ := btcec.PrivKeyFromBytes(h[:])

	return priv
}

// mockWallet is a minimal in-memory Wallet: it owns a fixed pool of UTXOs
// to spend from, signs with whatever key it's asked to sign with, and
// tracks pending/confirmed transactions in plain slices. It is not safe
// against double-spending the same coin across concurrent SelectCoins
// calls; tests exercise it single-threaded.
type mockWallet struct {
	mu sync.Mutex

	coins        []UTXO
	changeScript []byte

	pending   []*wire.MsgTx
	confirmed []*wire.MsgTx
}

func newMockWallet(coins []UTXO, changeScript []byte) *mockWallet {
	return &mockWallet{coins: coins, changeScript: changeScript}
}

func (w *mockWallet) SelectCoins(amt btcutil.Amount) ([]UTXO, []byte,
	btcutil.Amount, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		selected []UTXO
		total    btcutil.Amount
	)
	for len(w.coins) > 0 && total < amt {
		selected = append(selected, w.coins[0])
		total += w.coins[0].Value
		w.coins = w.coins[1:]
	}

	if total < amt {
		return nil, nil, 0, fmt.Errorf("insufficient funds: have %v, "+
			"need %v", total, amt)
	}

	return selected, w.changeScript, total - amt, nil
}

func (w *mockWallet) CommitPending(tx *wire.MsgTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, tx)

	return nil
}

func (w *mockWallet) GetPending() []*wire.MsgTx {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]*wire.MsgTx(nil), w.pending...)
}

func (w *mockWallet) SignInput(tx *wire.MsgTx, idx int, key *btcec.PrivateKey,
	hashType txscript.SigHashType, prevScript []byte,
	prevValue btcutil.Amount) ([]byte, error) {

	return txscript.RawTxInSignature(tx, idx, prevScript, hashType, key)
}

func (w *mockWallet) ReceiveFromBlock(tx *wire.MsgTx, blockHeight int32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.confirmed = append(w.confirmed, tx)
}

// mockBroadcaster settles every Broadcast call immediately. A test can set
// rejectErr to make every subsequent Broadcast fail instead.
type mockBroadcaster struct {
	mu         sync.Mutex
	sent       []*wire.MsgTx
	rejectErr  error
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{}
}

func (b *mockBroadcaster) Broadcast(tx *wire.MsgTx) *BroadcastFuture {
	b.mu.Lock()
	b.sent = append(b.sent, tx)
	err := b.rejectErr
	b.mu.Unlock()

	future := NewBroadcastFuture()
	future.Settle(tx, err)

	return future
}

// fundingUTXO returns a made-up UTXO large enough to fund most test
// channels, paying to an arbitrary script (its actual spendability is
// irrelevant: nothing in these tests validates the funding tx's inputs
// against a real chain). index distinguishes multiple UTXOs handed to the
// same mockWallet.
func fundingUTXO(value btcutil.Amount, index uint32) UTXO {
	return UTXO{
		OutPoint: wire.OutPoint{Index: index},
		Value:    value,
		PkScript: []byte{txscript.OP_TRUE},
	}
}

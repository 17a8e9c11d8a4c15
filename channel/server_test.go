package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-paychan/paychan/clock"
	"github.com/go-paychan/paychan/sigcheck"
	"github.com/go-paychan/paychan/txbuilder"
	"github.com/stretchr/testify/require"
)

// testNow is a fixed instant server tests measure locktime margins against,
// via a clock.TestClock, rather than the real wall clock.
var testNow = time.Unix(1_700_000_000, 0)

// buildClientRefund constructs a refund transaction the way a real
// ClientState would, without going through ClientState itself, so server
// tests can exercise ServerState in isolation.
func buildClientRefund(clientPriv *btcec.PrivateKey, value btcutil.Amount,
	locktime int64) (*wire.MsgTx, wire.OutPoint) {

	clientScript := []byte{txscript.OP_TRUE}
	fundingOutpoint := wire.OutPoint{Index: 0}

	refundTx := txbuilder.BuildRefund(
		fundingOutpoint, clientScript, value, uint32(locktime),
	)

	return refundTx, fundingOutpoint
}

func setUpServerWaitingForContract(t *testing.T,
	value btcutil.Amount) (*ServerState, *mockWallet, *btcec.PrivateKey,
	*ChannelParameters) {

	t.Helper()

	clientPriv := testKey(3)
	serverPriv := testKey(4)

	// The refund returns the channel value minus the two reference fees a
	// ClientState reserves, so the server derives TotalValue == value.
	locktime := testNow.Add(3 * time.Hour).Unix()
	refundTx, _ := buildClientRefund(
		clientPriv, value-2*txbuilder.ReferenceMinFee, locktime,
	)

	ss := NewServerState(NewKeyPair(serverPriv), clock.NewTestClock(testNow))
	wallet := newMockWallet(nil, []byte{txscript.OP_TRUE})

	_, err := ss.ProvideRefundTransaction(
		refundTx, clientPriv.PubKey().SerializeCompressed(), wallet,
	)
	require.NoError(t, err)
	require.Equal(t, ServerStateWaitingForMultisigContract, ss.State())

	return ss, wallet, clientPriv, ss.params
}

func TestServerProvideRefundTransactionRejectsShortLocktime(t *testing.T) {
	clientPriv := testKey(3)
	serverPriv := testKey(4)

	// Locktime only five minutes out: well under
	// ServerMinLocktimeMargin.
	locktime := testNow.Add(5 * time.Minute).Unix()
	refundTx, _ := buildClientRefund(clientPriv, 100_000, locktime)

	ss := NewServerState(NewKeyPair(serverPriv), clock.NewTestClock(testNow))
	wallet := newMockWallet(nil, nil)

	_, err := ss.ProvideRefundTransaction(
		refundTx, clientPriv.PubKey().SerializeCompressed(), wallet,
	)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrVerification, kind)
}

func TestServerProvideRefundTransactionRejectsWrongShape(t *testing.T) {
	clientPriv := testKey(3)
	serverPriv := testKey(4)

	locktime := testNow.Add(3 * time.Hour).Unix()
	refundTx, outpoint := buildClientRefund(clientPriv, 100_000, locktime)
	// Add a second output, violating the required one-in-one-out shape.
	refundTx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	_ = outpoint

	ss := NewServerState(NewKeyPair(serverPriv), clock.NewTestClock(testNow))
	wallet := newMockWallet(nil, nil)

	_, err := ss.ProvideRefundTransaction(
		refundTx, clientPriv.PubKey().SerializeCompressed(), wallet,
	)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrVerification, kind)
}

func TestServerProvideRefundTransactionRejectsDust(t *testing.T) {
	clientPriv := testKey(3)
	serverPriv := testKey(4)

	locktime := testNow.Add(3 * time.Hour).Unix()
	refundTx, _ := buildClientRefund(clientPriv, 100, locktime)

	ss := NewServerState(NewKeyPair(serverPriv), clock.NewTestClock(testNow))
	wallet := newMockWallet(nil, nil)

	_, err := ss.ProvideRefundTransaction(
		refundTx, clientPriv.PubKey().SerializeCompressed(), wallet,
	)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrValueOutOfRange, kind)
}

func TestServerFundingAndReadyFlow(t *testing.T) {
	ss, wallet, _, params := setUpServerWaitingForContract(t, 100_000)

	multisigScript, err := params.MultisigScript()
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(1)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(int64(params.TotalValue), multisigScript))

	// ServerState learned the funding outpoint from the refund tx's
	// input; make the funding tx's own hash match that outpoint by
	// constructing it, then re-deriving.
	ss.fundingOutpoint.Hash = fundingTx.TxHash()

	bcaster := newMockBroadcaster()
	future, err := ss.ProvideMultiSigContract(fundingTx, bcaster)
	require.NoError(t, err)

	settledTx, err := future.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, fundingTx.TxHash(), settledTx.TxHash())

	require.Equal(t, ServerStateReady, ss.State())
	_ = wallet
}

func TestServerProvideMultiSigContractRejectsValueMismatch(t *testing.T) {
	ss, _, _, params := setUpServerWaitingForContract(t, 100_000)

	multisigScript, err := params.MultisigScript()
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(1)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(int64(params.TotalValue)-1, multisigScript))
	ss.fundingOutpoint.Hash = fundingTx.TxHash()

	bcaster := newMockBroadcaster()
	_, err = ss.ProvideMultiSigContract(fundingTx, bcaster)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrVerification, kind)
}

func setUpReadyServer(t *testing.T, value btcutil.Amount) (*ServerState,
	*mockWallet, *btcec.PrivateKey, *ChannelParameters) {

	t.Helper()

	ss, wallet, clientPriv, params := setUpServerWaitingForContract(t, value)

	multisigScript, err := params.MultisigScript()
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(1)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(int64(params.TotalValue), multisigScript))
	ss.fundingOutpoint.Hash = fundingTx.TxHash()

	bcaster := newMockBroadcaster()
	_, err = ss.ProvideMultiSigContract(fundingTx, bcaster)
	require.NoError(t, err)
	require.Equal(t, ServerStateReady, ss.State())

	return ss, wallet, clientPriv, params
}

// signAsClientPayment signs a payment transaction the way ClientState
// would, for server-side tests.
func signAsClientPayment(t *testing.T, params *ChannelParameters,
	paymentTx *wire.MsgTx, clientPriv *btcec.PrivateKey) []byte {

	t.Helper()

	script, err := params.MultisigScript()
	require.NoError(t, err)

	sig, err := txscript.RawTxInSignature(
		paymentTx, 0, script, sigcheck.AllowedSigHash(sigcheck.Payment),
		clientPriv,
	)
	require.NoError(t, err)

	return sig
}

func TestServerIncrementPaymentAcceptsIncreasingPayments(t *testing.T) {
	ss, _, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx1 := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 10_000, clientScript, 90_000,
	)
	sig1 := signAsClientPayment(t, params, paymentTx1, clientPriv)

	accepted, err := ss.IncrementPayment(90_000, sig1)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, btcutil.Amount(10_000), ss.bestPayment)

	paymentTx2 := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 20_000, clientScript, 80_000,
	)
	sig2 := signAsClientPayment(t, params, paymentTx2, clientPriv)

	accepted, err = ss.IncrementPayment(80_000, sig2)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, btcutil.Amount(20_000), ss.bestPayment)
}

func TestServerIncrementPaymentRejectsNonIncreasingAsNoOp(t *testing.T) {
	ss, _, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 10_000, clientScript, 90_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)

	accepted, err := ss.IncrementPayment(90_000, sig)
	require.NoError(t, err)
	require.True(t, accepted)

	// Resending the same claimed amount is a no-op, not an error.
	accepted, err = ss.IncrementPayment(90_000, sig)
	require.NoError(t, err)
	require.False(t, accepted)
	require.Equal(t, btcutil.Amount(10_000), ss.bestPayment)
}

func TestServerIncrementPaymentRejectsBadSigHashFlag(t *testing.T) {
	ss, _, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 10_000, clientScript, 90_000,
	)

	script, err := params.MultisigScript()
	require.NoError(t, err)

	// Sign with SIGHASH_ALL instead of the required
	// SIGHASH_SINGLE|SIGHASH_ANYONECANPAY.
	badSig, err := txscript.RawTxInSignature(
		paymentTx, 0, script, txscript.SigHashAll, clientPriv,
	)
	require.NoError(t, err)

	accepted, err := ss.IncrementPayment(90_000, badSig)
	require.Error(t, err)
	require.False(t, accepted)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrVerification, kind)
}

func TestServerCloseRequiresPriorPayment(t *testing.T) {
	ss, wallet, _, _ := setUpReadyServer(t, 100_000)

	bcaster := newMockBroadcaster()
	_, err := ss.Close(bcaster, wallet)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrIllegalState, kind)
}

func TestServerCloseBroadcastsFinalizedTransaction(t *testing.T) {
	ss, wallet, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 50_000, clientScript, 50_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)
	accepted, err := ss.IncrementPayment(50_000, sig)
	require.NoError(t, err)
	require.True(t, accepted)

	wallet.coins = append(wallet.coins, fundingUTXO(50_000, 2))

	bcaster := newMockBroadcaster()
	future, err := ss.Close(bcaster, wallet)
	require.NoError(t, err)

	closedTx, err := future.Await(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, closedTx.TxIn[0].SignatureScript)
	require.True(t, len(closedTx.TxIn) >= 2)

	require.Equal(t, ServerStateClosed, ss.State())
}

func TestServerCloseIsIdempotentAfterClosed(t *testing.T) {
	ss, wallet, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 50_000, clientScript, 50_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)
	_, err = ss.IncrementPayment(50_000, sig)
	require.NoError(t, err)

	wallet.coins = append(wallet.coins, fundingUTXO(50_000, 4))

	bcaster := newMockBroadcaster()
	future, err := ss.Close(bcaster, wallet)
	require.NoError(t, err)
	require.Equal(t, ServerStateClosed, ss.State())

	// A second Close call after CLOSED must not broadcast again; it just
	// hands back the same, already-settled future.
	again, err := ss.Close(bcaster, wallet)
	require.NoError(t, err)
	require.Same(t, future, again)
	require.Len(t, bcaster.sent, 1)
}

func TestServerProvideMultiSigContractBroadcastRejectionSetsError(t *testing.T) {
	ss, _, _, params := setUpServerWaitingForContract(t, 100_000)

	multisigScript, err := params.MultisigScript()
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(1)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(int64(params.TotalValue), multisigScript))
	ss.fundingOutpoint.Hash = fundingTx.TxHash()

	bcaster := newMockBroadcaster()
	bcaster.rejectErr = fmt.Errorf("double spend")

	future, err := ss.ProvideMultiSigContract(fundingTx, bcaster)
	require.NoError(t, err)

	_, err = future.Await(context.Background())
	require.Error(t, err)

	require.Equal(t, ServerStateError, ss.State())
}

func TestServerCloseBroadcastRejectionSetsError(t *testing.T) {
	ss, wallet, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 50_000, clientScript, 50_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)
	_, err = ss.IncrementPayment(50_000, sig)
	require.NoError(t, err)

	wallet.coins = append(wallet.coins, fundingUTXO(50_000, 6))

	bcaster := newMockBroadcaster()
	bcaster.rejectErr = fmt.Errorf("double spend")

	future, err := ss.Close(bcaster, wallet)
	require.NoError(t, err)

	_, err = future.Await(context.Background())
	require.Error(t, err)

	require.Equal(t, ServerStateError, ss.State())
}

func TestServerIncrementPaymentRejectsDustClientRefund(t *testing.T) {
	ss, _, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	// A client refund of 100 sat is nonzero but well under the dust
	// limit.
	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 99_900, clientScript, 100,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)

	accepted, err := ss.IncrementPayment(100, sig)
	require.Error(t, err)
	require.False(t, accepted)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrValueOutOfRange, kind)
}

func TestServerCloseFailsWhenPaymentWouldNotCoverFee(t *testing.T) {
	ss, wallet, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	// The server's claimed share is smaller than even a single close
	// fee, so there is nothing to close with regardless of wallet funds.
	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 1_000, clientScript, 99_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)
	_, err = ss.IncrementPayment(99_000, sig)
	require.NoError(t, err)

	wallet.coins = append(wallet.coins, fundingUTXO(50_000, 5))

	bcaster := newMockBroadcaster()
	_, err = ss.Close(bcaster, wallet)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more in fees than the channel was worth")

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrValueOutOfRange, kind)
	require.Equal(t, ServerStateReady, ss.State())
}

func TestServerStorageEntryFallsBackToBestPayment(t *testing.T) {
	ss, wallet, clientPriv, params := setUpReadyServer(t, 100_000)

	serverScript, err := pubKeyHashScript(ss.serverKey)
	require.NoError(t, err)
	clientScript := []byte{txscript.OP_TRUE}
	ss.serverScript = serverScript
	ss.clientScript = clientScript

	paymentTx := txbuilder.BuildPayment(
		ss.fundingOutpoint, serverScript, 50_000, clientScript, 50_000,
	)
	sig := signAsClientPayment(t, params, paymentTx, clientPriv)
	accepted, err := ss.IncrementPayment(50_000, sig)
	require.NoError(t, err)
	require.True(t, accepted)

	wallet.coins = append(wallet.coins, fundingUTXO(50_000, 3))

	store := &captureStorer{}
	ss.StoreChannelInWallet(store, "chan-srv-1")
	require.Len(t, store.entries, 1)

	entry := store.entries[0]
	require.Equal(t, ss.params.ExpireTime-int64(ServerCloseDeadline.Seconds()),
		entry.Deadline())

	txs, err := entry.Fallback()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, ServerStateClosing, ss.State())
}

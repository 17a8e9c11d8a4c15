package channel

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-paychan/paychan/clock"
	"github.com/go-paychan/paychan/sigcheck"
	"github.com/go-paychan/paychan/txbuilder"
)

// ServerChannelState enumerates the states ServerState moves through.
type ServerChannelState uint8

const (
	// ServerStateWaitingForRefundTransaction is the state a server
	// channel starts in, waiting for the client's unsigned refund
	// transaction.
	ServerStateWaitingForRefundTransaction ServerChannelState = iota

	// ServerStateWaitingForMultisigContract means the refund has been
	// signed and handed back, and the server is waiting for the client
	// to hand over the funding transaction.
	ServerStateWaitingForMultisigContract

	// ServerStateWaitingForMultisigAcceptance means the funding
	// transaction has been handed over and broadcast, and the server is
	// waiting for the network to accept it.
	ServerStateWaitingForMultisigAcceptance

	// ServerStateReady means the funding transaction was accepted and
	// the channel can receive payment increments.
	ServerStateReady

	// ServerStateClosing means Close has been called and the server is
	// waiting for its settlement transaction to be accepted.
	ServerStateClosing

	// ServerStateClosed means the channel's settlement transaction was
	// accepted by the network.
	ServerStateClosed

	// ServerStateError means an unrecoverable protocol failure or
	// broadcast rejection occurred.
	ServerStateError
)

// String implements fmt.Stringer.
func (s ServerChannelState) String() string {
	switch s {
	case ServerStateWaitingForRefundTransaction:
		return "WAITING_FOR_REFUND_TRANSACTION"
	case ServerStateWaitingForMultisigContract:
		return "WAITING_FOR_MULTISIG_CONTRACT"
	case ServerStateWaitingForMultisigAcceptance:
		return "WAITING_FOR_MULTISIG_ACCEPTANCE"
	case ServerStateReady:
		return "READY"
	case ServerStateClosing:
		return "CLOSING"
	case ServerStateClosed:
		return "CLOSED"
	case ServerStateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ServerState drives the payee side of a channel. Unlike ClientState, it is
// not fully built up front: ChannelParameters.ClientKey.Pub and the funding
// outpoint are only learned as the handshake proceeds, via
// ProvideRefundTransaction.
type ServerState struct {
	mu sync.Mutex

	serverKey KeyPair

	params *ChannelParameters
	state  ServerChannelState

	serverScript []byte
	clientScript []byte

	fundingOutpoint wire.OutPoint

	bestPayment   btcutil.Amount
	bestPaymentTx *wire.MsgTx
	bestClientSig []byte

	wallet      Wallet
	stored      bool
	closeFuture *BroadcastFuture

	clk clock.Clock
}

// NewServerState returns a ServerState in the WAITING_FOR_REFUND_TRANSACTION
// state, holding only the server's own keypair. The remaining
// ChannelParameters fields are filled in as the handshake proceeds.
func NewServerState(serverKey KeyPair, clk clock.Clock) *ServerState {
	return &ServerState{
		serverKey: serverKey,
		state:     ServerStateWaitingForRefundTransaction,
		clk:       clk,
	}
}

// State returns the channel's current state.
func (s *ServerState) State() ServerChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ProvideRefundTransaction validates the client's proposed refund
// transaction and locktime, signs it, and returns the server's signature.
// Required state: WAITING_FOR_REFUND_TRANSACTION.
func (s *ServerState) ProvideRefundTransaction(refundTx *wire.MsgTx,
	clientPubKey []byte, wallet Wallet) ([]byte, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerStateWaitingForRefundTransaction {
		return nil, illegalStatef("ProvideRefundTransaction called in "+
			"state %v, want %v", s.state,
			ServerStateWaitingForRefundTransaction)
	}

	clientKey, err := NewPubKeyOnly(clientPubKey)
	if err != nil {
		return nil, wrapVerification(err)
	}

	if len(refundTx.TxIn) != 1 || len(refundTx.TxOut) != 1 {
		return nil, verificationf("refund transaction must have exactly "+
			"one input and one output, got %d in, %d out",
			len(refundTx.TxIn), len(refundTx.TxOut))
	}
	if refundTx.TxIn[0].Sequence != txbuilder.RefundSequence {
		return nil, verificationf("refund transaction input sequence "+
			"must be 0x%x, got 0x%x", txbuilder.RefundSequence,
			refundTx.TxIn[0].Sequence)
	}

	now := s.clk.Now().Unix()
	locktime := int64(refundTx.LockTime)
	minLocktime := now + int64(ServerMinLocktimeMargin.Seconds())
	if locktime < minLocktime {
		return nil, verificationf("refund locktime %d does not leave "+
			"enough margin before expiry; want at least %d", locktime,
			minLocktime)
	}

	amount := btcutil.Amount(refundTx.TxOut[0].Value)
	if txbuilder.IsDust(amount) {
		return nil, valueOutOfRangef("refund output value %v is dust",
			amount)
	}

	params := &ChannelParameters{
		ClientKey:  clientKey,
		ServerKey:  s.serverKey,
		TotalValue: amount + 2*txbuilder.ReferenceMinFee,
		ExpireTime: locktime,
	}

	multisigScript, err := params.MultisigScript()
	if err != nil {
		return nil, fmt.Errorf("unable to build multisig script: %v", err)
	}

	serverScript, err := pubKeyHashScript(s.serverKey)
	if err != nil {
		return nil, err
	}

	s.params = params
	s.serverScript = serverScript
	s.clientScript = refundTx.TxOut[0].PkScript
	s.fundingOutpoint = refundTx.TxIn[0].PreviousOutPoint
	s.wallet = wallet

	// Going forward the server keeps only the refund's locktime (as
	// params.ExpireTime) and the funding outpoint the refund spends; it
	// never broadcasts the refund, so neither the transaction nor its
	// hash is kept once it's signed.
	sig, err := wallet.SignInput(
		refundTx, 0, s.serverKey.Priv, sigcheck.AllowedSigHash(sigcheck.Refund),
		multisigScript, params.TotalValue,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to sign refund input: %v", err)
	}

	s.state = ServerStateWaitingForMultisigContract

	log.Infof("server channel accepted refund tx, total=%v expire=%d",
		params.TotalValue, locktime)

	return sig, nil
}

// ProvideMultiSigContract validates and broadcasts the client's funding
// transaction. Required state: WAITING_FOR_MULTISIG_CONTRACT.
func (s *ServerState) ProvideMultiSigContract(fundingTx *wire.MsgTx,
	broadcaster Broadcaster) (*BroadcastFuture, error) {

	s.mu.Lock()

	if s.state != ServerStateWaitingForMultisigContract {
		s.mu.Unlock()
		return nil, illegalStatef("ProvideMultiSigContract called in "+
			"state %v, want %v", s.state,
			ServerStateWaitingForMultisigContract)
	}

	if fundingTx.TxHash() != s.fundingOutpoint.Hash {
		s.mu.Unlock()
		return nil, verificationf("funding transaction hash does not " +
			"match the outpoint referenced by the refund transaction")
	}
	if len(fundingTx.TxOut) == 0 {
		s.mu.Unlock()
		return nil, verificationf("funding transaction has no outputs")
	}

	if fundingTx.TxOut[0].Value <= 0 {
		s.mu.Unlock()
		return nil, verificationf("funding transaction output 0 has " +
			"zero value")
	}

	multisigScript, err := s.params.MultisigScript()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("unable to build multisig script: %v", err)
	}
	if string(fundingTx.TxOut[0].PkScript) != string(multisigScript) {
		s.mu.Unlock()
		return nil, verificationf("funding transaction output 0 does " +
			"not pay a 2-of-2 multisig with pubkeys client and server " +
			"in that order")
	}
	if btcutil.Amount(fundingTx.TxOut[0].Value) != s.params.TotalValue {
		s.mu.Unlock()
		return nil, verificationf("funding transaction output 0 value "+
			"%v does not match the agreed channel value %v",
			btcutil.Amount(fundingTx.TxOut[0].Value), s.params.TotalValue)
	}

	s.state = ServerStateWaitingForMultisigAcceptance

	s.mu.Unlock()

	future := broadcaster.Broadcast(fundingTx)

	log.Infof("server channel broadcasting funding tx %v", fundingTx.TxHash())

	future.OnSettle(func(_ *wire.MsgTx, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err != nil {
			s.state = ServerStateError
			log.Errorf("server channel funding tx rejected: %v", err)
			return
		}

		s.state = ServerStateReady
		log.Infof("server channel ready")
	})

	return future, nil
}

// IncrementPayment validates a client's payment signature and, if it claims
// strictly more than the previous best payment, adopts it as the new best.
// A signature claiming an equal or lesser amount than the current best is
// rejected as a no-op rather than an error, since a client retrying a
// dropped acknowledgement is expected to resend its latest signature
// unchanged. Required state: READY.
func (s *ServerState) IncrementPayment(clientRefundAmount btcutil.Amount,
	sig []byte) (accepted bool, err error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerStateReady {
		return false, illegalStatef("IncrementPayment called in state "+
			"%v, want %v", s.state, ServerStateReady)
	}

	if clientRefundAmount < 0 {
		return false, valueOutOfRangef("client refund amount %v is "+
			"negative", clientRefundAmount)
	}
	if clientRefundAmount > s.params.TotalValue {
		return false, valueOutOfRangef("client refund amount %v is "+
			"more than channel worth %v", clientRefundAmount,
			s.params.TotalValue)
	}
	serverAmount := s.params.TotalValue - clientRefundAmount
	if clientRefundAmount != 0 && txbuilder.IsDust(clientRefundAmount) {
		return false, valueOutOfRangef("client refund amount %v is "+
			"dust", clientRefundAmount)
	}

	if serverAmount <= s.bestPayment {
		return false, nil
	}

	multisigScript, err := s.params.MultisigScript()
	if err != nil {
		return false, fmt.Errorf("unable to build multisig script: %v", err)
	}

	paymentTx := txbuilder.BuildPayment(
		s.fundingOutpoint, s.serverScript, serverAmount, s.clientScript,
		clientRefundAmount,
	)

	if err := sigcheck.CheckPayment(
		sig, s.params.ClientKey.Pub, multisigScript, paymentTx, 0,
		s.params.TotalValue,
	); err != nil {
		return false, wrapVerification(err)
	}

	s.bestPayment = serverAmount
	s.bestPaymentTx = paymentTx
	s.bestClientSig = sig

	log.Debugf("server channel best payment now %v", serverAmount)

	return true, nil
}

// Close finalizes the channel: it pulls a small fee-paying input from
// wallet, co-signs the best payment transaction's multisig input alongside
// the client's stored SIGHASH_SINGLE|ANYONECANPAY signature, signs its own
// new input with SIGHASH_ALL, and broadcasts the result. Because the
// client's signature only commits to the server's own output (index 0) and
// its own input, adding a new fee input and change output afterwards does
// not invalidate it. A channel with no payments yet is closed by simply
// letting the refund transaction mature; Close on such a channel returns
// an error. Required state: READY.
func (s *ServerState) Close(broadcaster Broadcaster,
	wallet Wallet) (*BroadcastFuture, error) {

	s.mu.Lock()

	if s.state == ServerStateClosed {
		future := s.closeFuture
		s.mu.Unlock()
		return future, nil
	}

	if s.state != ServerStateReady {
		s.mu.Unlock()
		return nil, illegalStatef("Close called in state %v, want %v",
			s.state, ServerStateReady)
	}

	if s.bestPaymentTx == nil {
		s.mu.Unlock()
		return nil, illegalStatef("channel has received no payments; " +
			"close by letting the refund transaction mature instead")
	}

	closeTx, err := s.finalizeClose(wallet)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.state = ServerStateClosing

	s.mu.Unlock()

	future := broadcaster.Broadcast(closeTx)

	s.mu.Lock()
	s.closeFuture = future
	s.mu.Unlock()

	log.Infof("server channel closing with payment %v", s.bestPayment)

	future.OnSettle(func(_ *wire.MsgTx, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err != nil {
			s.state = ServerStateError
			log.Errorf("server channel close tx rejected: %v", err)
			return
		}

		s.state = ServerStateClosed
		log.Infof("server channel closed")
	})

	return future, nil
}

// finalizeClose assembles a fully signed settlement transaction from the
// current best payment: it adds a fee-paying input and, if non-dust,
// change from wallet, then signs the multisig input (server's half) and
// the new fee input.
func (s *ServerState) finalizeClose(wallet Wallet) (*wire.MsgTx, error) {
	closeTx := s.bestPaymentTx.Copy()

	multisigScript, err := s.params.MultisigScript()
	if err != nil {
		return nil, fmt.Errorf("unable to build multisig script: %v", err)
	}

	fee := txbuilder.EstimateFee(closeTx) + txbuilder.ReferenceMinFee
	if s.bestPayment <= fee {
		return nil, valueOutOfRangef("closing this channel would cost "+
			"more in fees than the channel was worth (payment %v, fee %v)",
			s.bestPayment, fee)
	}

	feeInputs, changeScript, change, err := wallet.SelectCoins(fee)
	if err != nil {
		return nil, valueOutOfRangef("closing this channel would cost "+
			"more in fees than the channel was worth: no wallet funds "+
			"available to cover fee %v: %v", fee, err)
	}

	feeInputIdx := len(closeTx.TxIn)
	for _, in := range feeInputs {
		closeTx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	if !txbuilder.IsDust(change) {
		closeTx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	serverSig, err := wallet.SignInput(
		closeTx, 0, s.serverKey.Priv, txscript.SigHashAll, multisigScript,
		s.params.TotalValue,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to sign multisig input: %v", err)
	}

	multisigWitness := txscript.NewScriptBuilder()
	multisigWitness.AddOp(txscript.OP_0)
	multisigWitness.AddData(s.bestClientSig)
	multisigWitness.AddData(serverSig)
	sigScript, err := multisigWitness.Script()
	if err != nil {
		return nil, fmt.Errorf("unable to build multisig sigScript: %v", err)
	}
	closeTx.TxIn[0].SignatureScript = sigScript

	for i, in := range feeInputs {
		idx := feeInputIdx + i

		sig, err := wallet.SignInput(
			closeTx, idx, s.serverKey.Priv, txscript.SigHashAll,
			in.PkScript, in.Value,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to sign fee input %d: %v", idx, err)
		}

		p2pkh := txscript.NewScriptBuilder()
		p2pkh.AddData(sig)
		p2pkh.AddData(s.serverKey.Pub.SerializeCompressed())
		feeSigScript, err := p2pkh.Script()
		if err != nil {
			return nil, fmt.Errorf("unable to build fee input sigScript: %v", err)
		}
		closeTx.TxIn[idx].SignatureScript = feeSigScript
	}

	return closeTx, nil
}

// StoreChannelInWallet hands the channel off to storage, keyed by id, so
// its best payment is rebroadcast automatically as the refund's locktime
// approaches. IncrementPayment keeps accepting payments after this call;
// the storage entry finalizes whichever payment is best when it fires.
func (s *ServerState) StoreChannelInWallet(storage Storer, id string) {
	s.mu.Lock()
	s.stored = true
	s.mu.Unlock()

	storage.Store(&serverStorageEntry{server: s, id: id})
}

// serverStorageEntry adapts a ServerState to StorageEntry: on deadline, the
// best payment transaction seen so far is finalized and broadcast,
// claiming the server's share before the refund matures.
type serverStorageEntry struct {
	server *ServerState
	id     string
}

// ID implements StorageEntry.
func (e *serverStorageEntry) ID() string { return e.id }

// Deadline implements StorageEntry.
func (e *serverStorageEntry) Deadline() int64 {
	e.server.mu.Lock()
	defer e.server.mu.Unlock()

	return e.server.params.ExpireTime - int64(ServerCloseDeadline.Seconds())
}

// Fallback implements StorageEntry.
func (e *serverStorageEntry) Fallback() ([]*wire.MsgTx, error) {
	e.server.mu.Lock()
	defer e.server.mu.Unlock()

	if e.server.bestPaymentTx == nil {
		return nil, illegalStatef("server channel has received no " +
			"payments to fall back to")
	}

	closeTx, err := e.server.finalizeClose(e.server.wallet)
	if err != nil {
		return nil, err
	}

	e.server.state = ServerStateClosing

	return []*wire.MsgTx{closeTx}, nil
}

// HandleBroadcastFailure implements StorageEntry.
func (e *serverStorageEntry) HandleBroadcastFailure(err error) {
	e.server.mu.Lock()
	defer e.server.mu.Unlock()

	e.server.state = ServerStateError

	log.Errorf("server channel %s fallback broadcast rejected: %v",
		e.id, err)
}

package channel

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-paychan/paychan/sigcheck"
	"github.com/go-paychan/paychan/txbuilder"
)

// ClientChannelState enumerates the states ClientState moves through.
type ClientChannelState uint8

const (
	// ClientStateNew is the state a channel starts in, before Initiate
	// has been called.
	ClientStateNew ClientChannelState = iota

	// ClientStateInitiated means Initiate has built the refund and
	// (unsigned) funding transactions, and is waiting on the server's
	// refund signature.
	ClientStateInitiated

	// ClientStateProvideMultisigContract means the server's refund
	// signature has been validated and stored, and the funding
	// transaction is ready to hand to the server.
	ClientStateProvideMultisigContract

	// ClientStateReady means the funding transaction has been handed
	// off and the channel can accept payment increments.
	ClientStateReady

	// ClientStateClosed means the server cooperatively closed the
	// channel.
	ClientStateClosed

	// ClientStateExpired means the client's own storage layer
	// rebroadcast the refund after ExpireTime passed unclosed.
	ClientStateExpired

	// ClientStateError means an unrecoverable protocol failure or
	// broadcast rejection occurred.
	ClientStateError
)

// String implements fmt.Stringer.
func (s ClientChannelState) String() string {
	switch s {
	case ClientStateNew:
		return "NEW"
	case ClientStateInitiated:
		return "INITIATED"
	case ClientStateProvideMultisigContract:
		return "PROVIDE_MULTISIG_CONTRACT_TO_SERVER"
	case ClientStateReady:
		return "READY"
	case ClientStateClosed:
		return "CLOSED"
	case ClientStateExpired:
		return "EXPIRED"
	case ClientStateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ClientState drives the payer side of a channel.
type ClientState struct {
	mu sync.Mutex

	params *ChannelParameters
	state  ClientChannelState

	clientScript []byte
	serverScript []byte

	fundingOutpoint wire.OutPoint
	refundFees      btcutil.Amount

	refundTx      *wire.MsgTx
	refundSig     []byte // the server's refund signature
	multisigTx    *wire.MsgTx
	currentPayment btcutil.Amount
	latestSig      []byte

	stored bool
}

// NewClientState returns a ClientState in the NEW state for the given
// parameters.
func NewClientState(params *ChannelParameters) (*ClientState, error) {
	clientScript, err := pubKeyHashScript(params.ClientKey)
	if err != nil {
		return nil, err
	}
	serverScript, err := pubKeyHashScript(params.ServerKey)
	if err != nil {
		return nil, err
	}

	return &ClientState{
		params:       params,
		state:        ClientStateNew,
		clientScript: clientScript,
		serverScript: serverScript,
	}, nil
}

// State returns the channel's current state.
func (c *ClientState) State() ClientChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Initiate builds the funding and refund transactions, pulling inputs from
// wallet. Required state: NEW. On success the channel moves to INITIATED.
func (c *ClientState) Initiate(wallet Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientStateNew {
		return illegalStatef("Initiate called in state %v, want %v",
			c.state, ClientStateNew)
	}

	if c.params.TotalValue < txbuilder.MinNonDustOutput+txbuilder.ReferenceMinFee {
		return valueOutOfRangef("channel value %v is too small to "+
			"afford its own refund transaction fees", c.params.TotalValue)
	}

	refundFees := 2 * txbuilder.ReferenceMinFee
	fundingAmount := c.params.TotalValue + refundFees

	inputs, changeScript, change, err := wallet.SelectCoins(fundingAmount)
	if err != nil {
		return fmt.Errorf("unable to select coins for funding tx: %v", err)
	}

	fundingTx, err := txbuilder.BuildFunding(
		c.params.ClientKey.Pub, c.params.ServerKey.Pub,
		c.params.TotalValue, inputs, changeScript, change,
	)
	if err != nil {
		return fmt.Errorf("unable to build funding tx: %v", err)
	}

	fundingOutpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}

	refundTx := txbuilder.BuildRefund(
		fundingOutpoint, c.clientScript, c.params.TotalValue-refundFees,
		uint32(c.params.ExpireTime),
	)

	c.refundFees = refundFees
	c.fundingOutpoint = fundingOutpoint
	c.multisigTx = fundingTx
	c.refundTx = refundTx
	c.state = ClientStateInitiated

	log.Debugf("client channel initiated, total=%v refundFees=%v",
		c.params.TotalValue, refundFees)

	return nil
}

// IncompleteRefundTransaction returns the unsigned refund transaction, for
// the server to sign. Required state: INITIATED.
func (c *ClientState) IncompleteRefundTransaction() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientStateInitiated {
		return nil, illegalStatef("IncompleteRefundTransaction called in "+
			"state %v, want %v", c.state, ClientStateInitiated)
	}

	return c.refundTx.Copy(), nil
}

// ProvideRefundSignature validates and stores the server's signature over
// the refund transaction, then signs the client's own half. Required
// state: INITIATED; calling this twice fails.
func (c *ClientState) ProvideRefundSignature(sig []byte, wallet Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientStateInitiated {
		return illegalStatef("ProvideRefundSignature called in state %v, "+
			"want %v", c.state, ClientStateInitiated)
	}

	multisigScript, err := c.params.MultisigScript()
	if err != nil {
		return fmt.Errorf("unable to build multisig script: %v", err)
	}

	if err := sigcheck.CheckRefund(
		sig, c.params.ServerKey.Pub, multisigScript, c.refundTx, 0,
		c.params.TotalValue,
	); err != nil {
		return wrapVerification(err)
	}

	clientSig, err := wallet.SignInput(
		c.refundTx, 0, c.params.ClientKey.Priv, txscript.SigHashAll,
		multisigScript, c.params.TotalValue,
	)
	if err != nil {
		return fmt.Errorf("unable to sign refund input: %v", err)
	}

	witness := txscript.NewScriptBuilder()
	witness.AddOp(txscript.OP_0)
	witness.AddData(clientSig)
	witness.AddData(sig)
	sigScript, err := witness.Script()
	if err != nil {
		return fmt.Errorf("unable to build refund sigScript: %v", err)
	}
	c.refundTx.TxIn[0].SignatureScript = sigScript

	if err := wallet.CommitPending(c.multisigTx); err != nil {
		return fmt.Errorf("unable to commit funding tx as pending: %v", err)
	}

	c.refundSig = sig
	c.state = ClientStateProvideMultisigContract

	log.Infof("client channel refund signature validated, funding tx %v "+
		"committed as pending", c.multisigTx.TxHash())

	return nil
}

// MultisigContract returns the funding transaction for the server to
// broadcast. Required state: at least PROVIDE_MULTISIG_CONTRACT_TO_SERVER.
// The first call transitions the channel to READY.
func (c *ClientState) MultisigContract() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state < ClientStateProvideMultisigContract {
		return nil, illegalStatef("MultisigContract called in state %v, "+
			"want at least %v", c.state, ClientStateProvideMultisigContract)
	}

	if c.state == ClientStateProvideMultisigContract {
		c.state = ClientStateReady
		log.Infof("client channel ready")
	}

	return c.multisigTx.Copy(), nil
}

// CompletedRefundTransaction returns the fully signed refund transaction.
// Required state: at least PROVIDE_MULTISIG_CONTRACT_TO_SERVER.
func (c *ClientState) CompletedRefundTransaction() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state < ClientStateProvideMultisigContract {
		return nil, illegalStatef("CompletedRefundTransaction called in "+
			"state %v, want at least %v", c.state,
			ClientStateProvideMultisigContract)
	}

	return c.refundTx.Copy(), nil
}

// IncrementPaymentBy authorizes the server to claim delta additional
// satoshis, returning the client's new signature over the resulting payment
// transaction. Required state: READY.
func (c *ClientState) IncrementPaymentBy(delta btcutil.Amount,
	wallet Wallet) ([]byte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientStateReady {
		return nil, illegalStatef("IncrementPaymentBy called in state %v, "+
			"want %v", c.state, ClientStateReady)
	}
	if c.stored {
		return nil, illegalStatef("channel has been handed off to " +
			"storage and can no longer be paid into")
	}

	if delta <= 0 {
		return nil, valueOutOfRangef("payment increment %v must be "+
			"positive", delta)
	}

	newPayment := c.currentPayment + delta
	maxPayment := c.params.TotalValue - txbuilder.MinNonDustOutput
	if newPayment > maxPayment && newPayment != c.params.TotalValue {
		return nil, valueOutOfRangef("payment of %v would leave a "+
			"client refund output below the dust limit", newPayment)
	}

	multisigScript, err := c.params.MultisigScript()
	if err != nil {
		return nil, fmt.Errorf("unable to build multisig script: %v", err)
	}

	clientRefund := c.params.TotalValue - newPayment
	paymentTx := txbuilder.BuildPayment(
		c.fundingOutpoint, c.serverScript, newPayment, c.clientScript,
		clientRefund,
	)

	hashType := sigcheck.AllowedSigHash(sigcheck.Payment)
	sig, err := wallet.SignInput(
		paymentTx, 0, c.params.ClientKey.Priv, hashType, multisigScript,
		c.params.TotalValue,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to sign payment input: %v", err)
	}

	c.currentPayment = newPayment
	c.latestSig = sig

	log.Debugf("client channel payment incremented to %v", newPayment)

	return sig, nil
}

// StoreChannelInWallet hands the channel off to storage, keyed by id. After
// this call IncrementPaymentBy fails.
func (c *ClientState) StoreChannelInWallet(storage Storer, id string) {
	c.mu.Lock()
	c.stored = true
	c.mu.Unlock()

	storage.Store(&clientStorageEntry{client: c, id: id})
}

// Storer is the subset of chanstorage.Storage this package depends on; it
// is defined here, rather than imported, to avoid a dependency cycle
// between channel and chanstorage (chanstorage depends on channel's
// Broadcaster and BroadcastFuture types).
type Storer interface {
	Store(entry StorageEntry)
}

// StorageEntry is the interface chanstorage.Storage schedules and fires.
type StorageEntry interface {
	// ID uniquely identifies the entry, for de-duplication.
	ID() string

	// Deadline returns the UNIX-seconds time at which Fallback should be
	// broadcast.
	Deadline() int64

	// Fallback returns the transaction(s) to broadcast, in order. The
	// second is only attempted once the first settles successfully.
	Fallback() ([]*wire.MsgTx, error)

	// HandleBroadcastFailure is called back by the storage layer if one
	// of the transactions Fallback returned is rejected by the network,
	// so the owning state machine can record the terminal failure.
	HandleBroadcastFailure(err error)
}

// clientStorageEntry adapts a ClientState to StorageEntry: on deadline, the
// funding transaction is broadcast, then the refund.
type clientStorageEntry struct {
	client *ClientState
	id     string
}

// ID implements StorageEntry.
func (e *clientStorageEntry) ID() string { return e.id }

// Deadline implements StorageEntry.
func (e *clientStorageEntry) Deadline() int64 {
	e.client.mu.Lock()
	defer e.client.mu.Unlock()

	return e.client.params.ExpireTime + int64(ClientRebroadcastDelay.Seconds())
}

// Fallback implements StorageEntry.
func (e *clientStorageEntry) Fallback() ([]*wire.MsgTx, error) {
	e.client.mu.Lock()
	defer e.client.mu.Unlock()

	if e.client.multisigTx == nil || e.client.refundTx == nil {
		return nil, illegalStatef("client channel has no funding/refund " +
			"transaction to fall back to")
	}

	e.client.state = ClientStateExpired

	return []*wire.MsgTx{e.client.multisigTx, e.client.refundTx}, nil
}

// HandleBroadcastFailure implements StorageEntry.
func (e *clientStorageEntry) HandleBroadcastFailure(err error) {
	e.client.mu.Lock()
	defer e.client.mu.Unlock()

	e.client.state = ClientStateError

	log.Errorf("client channel %s fallback broadcast rejected: %v",
		e.id, err)
}

func pubKeyHashScript(kp KeyPair) ([]byte, error) {
	pkHash := btcutil.Hash160(kp.Pub.SerializeCompressed())
	return txbuilder.P2PKHScript(pkHash)
}

package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/payments"
	"github.com/lightninglabs/feather/paymentsdb"
	"github.com/lightninglabs/feather/postman"
	"github.com/lightninglabs/feather/swapin"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultPingInterval is how often the connection is probed.
	defaultPingInterval = 30 * time.Second

	// defaultPingTimeout is how long a pong may take.
	defaultPingTimeout = 10 * time.Second

	// defaultSweepInterval drives the payment timeout sweep.
	defaultSweepInterval = 10 * time.Second

	// outgoingQueueSize bounds the wire send queue. Overflow drops the
	// message with a warning rather than blocking a producer.
	outgoingQueueSize = 64
)

// ConnectionState is the externally visible state of the transport
// connection.
type ConnectionState uint8

const (
	// ConnectionClosed means no transport exists.
	ConnectionClosed ConnectionState = iota

	// ConnectionEstablishing means the handshake or init exchange is in
	// flight.
	ConnectionEstablishing

	// ConnectionEstablished means init messages have been exchanged and
	// channels are reestablishing.
	ConnectionEstablished
)

// Config carries the collaborators of the peer orchestrator.
type Config struct {
	// ChainParams selects the chain.
	ChainParams *chaincfg.Params

	// NodeKeyECDH is our node key, used for the transport handshake.
	NodeKeyECDH keychain.SingleKeyECDH

	// KeyRing derives channel and backup keys.
	KeyRing keychain.KeyRing

	// Signer signs channel transactions.
	Signer channel.Signer

	// RemoteNodeID is the trampoline peer's node id.
	RemoteNodeID *btcec.PublicKey

	// RemoteAddress is the peer's host:port.
	RemoteAddress string

	// Db is the persistence layer.
	Db paymentsdb.PaymentsDb

	// Electrum is the chain source.
	Electrum electrum.Client

	// FeeEstimator caches the feerate set.
	FeeEstimator *electrum.FeeEstimator

	// SwapIn decides when to promote on-chain funds.
	SwapIn *swapin.Manager

	// SwapInParams bounds swap-in eligibility.
	SwapInParams swapin.Params

	// TrustedSwapInTxs bypass swap-in confirmation rules during
	// migration. Pre-splice mutual-close txids land here; drop the
	// exception once migration sunsets.
	TrustedSwapInTxs map[chainhash.Hash]struct{}

	// Incoming and Outgoing are the payment handlers.
	Incoming *payments.IncomingHandler
	Outgoing *payments.OutgoingHandler

	// LiquidityPolicy gates pay-to-open and swap-in fees.
	LiquidityPolicy *payments.LiquidityPolicy

	// Features is our init feature vector.
	Features *lnwire.RawFeatureVector

	// PingInterval and PingTimeout configure the keep-alive.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// SweepTicker drives the payment timeout sweep; tests inject a
	// force ticker.
	SweepTicker ticker.Ticker
}

// Peer multiplexes the single transport connection to the trampoline node
// over all channels, routes wire and watch events into channel transitions,
// and interprets the resulting actions. One processing goroutine consumes a
// single unbounded command queue; that queue's order is the only order.
type Peer struct {
	started int32
	stopped int32

	cfg Config

	// cmds is the serial point of truth.
	cmds *queue.ConcurrentQueue

	// channels holds every channel by its current id.
	channels map[lnwire.ChannelID]channel.ChannelState

	// scids maps short channel ids to channel ids for ChannelUpdate
	// routing.
	scids map[uint64]lnwire.ChannelID

	// active is the current connection, nil when disconnected. Only the
	// processing loop touches it; activePtr mirrors it for callers on
	// other goroutines.
	active    *activeConn
	activePtr atomic.Pointer[activeConn]

	// connSeq numbers connections; frames from stale connection ids are
	// discarded.
	connSeq uint64

	// connState is the externally visible connection state.
	connState atomic.Value

	// tip is the current chain height, zero until the first header.
	tip uint32

	// theirInit is the peer's init message, nil until exchanged.
	theirInit *lnwire.Init

	// pendingOpens are the outstanding please_open_channel requests by
	// request id.
	pendingOpens map[[32]byte]*swapin.RequestChannelOpen

	// opensByChannel maps channels carrying an open or splice attempt
	// back to the swap-in request funding them.
	opensByChannel map[lnwire.ChannelID]*swapin.RequestChannelOpen

	// Events is the domain event bus.
	Events *EventBus

	// Postman handles onion messages.
	Postman *postman.Postman

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPeer creates the orchestrator. Channels are restored from storage on
// Start.
func NewPeer(cfg Config) *Peer {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.SweepTicker == nil {
		cfg.SweepTicker = ticker.New(defaultSweepInterval)
	}

	p := &Peer{
		cfg:          cfg,
		cmds:         queue.NewConcurrentQueue(64),
		channels:     make(map[lnwire.ChannelID]channel.ChannelState),
		scids:        make(map[uint64]lnwire.ChannelID),
		pendingOpens: make(map[[32]byte]*swapin.RequestChannelOpen),
		Events:       NewEventBus(),
		quit:         make(chan struct{}),
	}
	p.connState.Store(ConnectionClosed)

	return p
}

// peerCommand is the sealed input alphabet of the processing loop.
type peerCommand interface {
	peerCmdSealed()
}

// cmdMessage is a decoded wire message from the given connection.
type cmdMessage struct {
	connID uint64
	msg    lnwire.Message
}

func (c *cmdMessage) peerCmdSealed() {}

// cmdConnEstablished reports a completed handshake.
type cmdConnEstablished struct {
	conn *activeConn
}

func (c *cmdConnEstablished) peerCmdSealed() {}

// cmdConnClosed reports a dead connection.
type cmdConnClosed struct {
	connID uint64
	reason error
}

func (c *cmdConnClosed) peerCmdSealed() {}

// cmdTip reports a new chain tip.
type cmdTip struct {
	height uint32
}

func (c *cmdTip) peerCmdSealed() {}

// cmdWatch reports a chain watch event.
type cmdWatch struct {
	event electrum.WatchEvent
}

func (c *cmdWatch) peerCmdSealed() {}

// cmdChannel routes a channel command to the given channel.
type cmdChannel struct {
	channelID lnwire.ChannelID
	cmd       channel.Command
}

func (c *cmdChannel) peerCmdSealed() {}

// cmdSweep triggers the payment timeout sweep.
type cmdSweep struct{}

func (c *cmdSweep) peerCmdSealed() {}

// cmdSwapIn carries a fresh wallet snapshot to evaluate for swap-in.
type cmdSwapIn struct {
	wallet *swapin.WalletState
}

func (c *cmdSwapIn) peerCmdSealed() {}

// cmdSendPayment is a user payment request.
type cmdSendPayment struct {
	req   payments.SendPaymentRequest
	reply chan error
}

func (c *cmdSendPayment) peerCmdSealed() {}

// ConnState returns the externally visible connection state.
func (p *Peer) ConnState() ConnectionState {
	return p.connState.Load().(ConnectionState)
}

// Start restores channels from storage and launches the processing loop and
// the chain subscriptions.
func (p *Peer) Start() error {
	if atomic.AddInt32(&p.started, 1) != 1 {
		return nil
	}

	log.Infof("Starting peer orchestrator for %x",
		p.cfg.RemoteNodeID.SerializeCompressed()[:8])

	p.cmds.Start()

	// Restore persisted channels into Offline states.
	stored, err := p.cfg.Db.ListLocalChannels()
	if err != nil {
		return fmt.Errorf("unable to list channels: %w", err)
	}
	for channelID, serialized := range stored {
		state, err := channel.DeserializeState(serialized)
		if err != nil {
			log.Errorf("ChannelID(%v): unable to restore: %v",
				channelID, err)
			continue
		}

		p.channels[channelID] = &channel.WaitForInit{}
		p.enqueueChannel(channelID, &channel.InitRestore{
			State: state,
		})
	}

	p.wg.Add(3)
	go p.processLoop()
	go p.chainLoop()
	go p.sweepLoop()

	return nil
}

// Stop shuts down the orchestrator and any active connection.
func (p *Peer) Stop() error {
	if atomic.AddInt32(&p.stopped, 1) != 1 {
		return nil
	}

	log.Info("Stopping peer orchestrator")

	p.Disconnect(errors.New("peer shutting down"))

	close(p.quit)
	p.cfg.SweepTicker.Stop()
	p.wg.Wait()
	p.cmds.Stop()

	return nil
}

// enqueue feeds one command into the serial queue.
func (p *Peer) enqueue(cmd peerCommand) {
	select {
	case p.cmds.ChanIn() <- cmd:
	case <-p.quit:
	}
}

// enqueueChannel feeds one channel command into the serial queue.
func (p *Peer) enqueueChannel(channelID lnwire.ChannelID,
	cmd channel.Command) {

	p.enqueue(&cmdChannel{channelID: channelID, cmd: cmd})
}

// SendPayment pays an invoice. It returns once the first attempt is
// dispatched.
func (p *Peer) SendPayment(req payments.SendPaymentRequest) error {
	reply := make(chan error, 1)
	p.enqueue(&cmdSendPayment{req: req, reply: reply})

	select {
	case err := <-reply:
		return err
	case <-p.quit:
		return errors.New("peer shutting down")
	}
}

// NotifyWalletChanged hands a fresh wallet snapshot to the swap-in manager.
func (p *Peer) NotifyWalletChanged(wallet *swapin.WalletState) {
	p.enqueue(&cmdSwapIn{wallet: wallet})
}

// processLoop is the single consumer of the command queue. All channel and
// payment state mutation happens here, one command at a time.
func (p *Peer) processLoop() {
	defer p.wg.Done()

	for {
		select {
		case raw := <-p.cmds.ChanOut():
			p.process(raw.(peerCommand))

		case <-p.quit:
			return
		}
	}
}

// process dispatches one command.
func (p *Peer) process(cmd peerCommand) {
	switch c := cmd.(type) {
	case *cmdConnEstablished:
		p.onConnEstablished(c.conn)

	case *cmdConnClosed:
		p.onConnClosed(c.connID, c.reason)

	case *cmdMessage:
		// Frames from a previous connection are dropped: their
		// channel-level effects would race the reestablish running
		// on the new connection.
		if p.active == nil || c.connID != p.active.id {
			log.Debugf("Dropping %T from stale connection %d",
				c.msg, c.connID)
			return
		}
		p.onMessage(c.msg)

	case *cmdTip:
		p.tip = c.height
		p.forEachChannel(func(id lnwire.ChannelID) {
			p.applyChannel(id, &channel.CheckHtlcTimeout{})
		})

	case *cmdWatch:
		p.onWatchEvent(c.event)

	case *cmdChannel:
		p.applyChannel(c.channelID, c.cmd)

	case *cmdSweep:
		for _, rejected := range p.cfg.Incoming.CheckPaymentsTimeout() {
			p.applyChannel(rejected.Part.ChannelID,
				&channel.FailHtlc{
					ID:     rejected.Part.Add.ID,
					Reason: []byte(rejected.Reason.Error()),
					Commit: true,
				})
		}

	case *cmdSwapIn:
		p.onWalletChanged(c.wallet)

	case *cmdSendPayment:
		c.reply <- p.onSendPayment(c.req)
	}
}

// forEachChannel applies fn to every known channel id.
func (p *Peer) forEachChannel(fn func(lnwire.ChannelID)) {
	ids := make([]lnwire.ChannelID, 0, len(p.channels))
	for id := range p.channels {
		ids = append(ids, id)
	}
	for _, id := range ids {
		fn(id)
	}
}

// channelCtx assembles the transition context for one Process call.
func (p *Peer) channelCtx() *channel.Context {
	return &channel.Context{
		LocalNodeID:  p.cfg.NodeKeyECDH.PubKey(),
		RemoteNodeID: p.cfg.RemoteNodeID,
		ChainHash:    *p.cfg.ChainParams.GenesisHash,
		BlockHeight:  p.tip,
		Feerates:     p.cfg.FeeEstimator.Current(),
		KeyRing:      p.cfg.KeyRing,
		Signer:       p.cfg.Signer,
		Logger:       log,
	}
}

// applyChannel runs one channel transition and interprets its actions. The
// StoreState action is persisted synchronously before any further command
// can touch the channel, which is what makes the per-channel ordering
// guarantee real.
func (p *Peer) applyChannel(channelID lnwire.ChannelID,
	cmd channel.Command) {

	state, ok := p.channels[channelID]
	if !ok {
		log.Warnf("Dropping %T for unknown channel %v", cmd,
			channelID)
		return
	}

	next, actions := channel.Process(state, cmd, p.channelCtx())
	p.channels[channelID] = next

	currentID := channelID
	for _, action := range actions {
		currentID = p.applyAction(currentID, action)
	}

	// A funding or splice attempt that died releases its wallet inputs.
	if _, aborted := next.(*channel.Aborted); aborted {
		if request, ok := p.opensByChannel[currentID]; ok {
			p.cfg.SwapIn.UnlockWalletInputs(request.OutPoints)
			delete(p.opensByChannel, currentID)
		}
		if request, ok := p.opensByChannel[channelID]; ok {
			p.cfg.SwapIn.UnlockWalletInputs(request.OutPoints)
			delete(p.opensByChannel, channelID)
		}
		delete(p.channels, currentID)
	}
}

// applyAction interprets one channel action, returning the channel's id
// (which IDAssigned may change mid-stream).
func (p *Peer) applyAction(channelID lnwire.ChannelID,
	action channel.Action) lnwire.ChannelID {

	switch a := action.(type) {
	case *channel.SendMessage:
		p.sendMessage(a.Msg)

	case *channel.SendToSelf:
		p.enqueueChannel(channelID, a.Cmd)

	case *channel.SendWatch:
		p.registerWatch(a.Watch)

	case *channel.PublishTx:
		log.Infof("Publishing %s tx %v", a.Label, a.Tx.TxHash())
		if err := p.cfg.Electrum.Broadcast(
			context.Background(), a.Tx,
		); err != nil {
			log.Errorf("Unable to publish %v: %v", a.Tx.TxHash(),
				err)
		}

	case *channel.StoreState:
		p.storeChannel(channelID, a.State)

	case *channel.RemoveChannel:
		if err := p.cfg.Db.RemoveChannel(a.ChannelID); err != nil {
			log.Errorf("Unable to remove channel %v: %v",
				a.ChannelID, err)
		}
		delete(p.channels, a.ChannelID)

	case *channel.StoreHtlcInfos:
		for _, info := range a.Htlcs {
			if err := p.cfg.Db.AddHtlcInfo(info); err != nil {
				log.Errorf("Unable to store htlc info: %v",
					err)
			}
		}

	case *channel.GetHtlcInfos:
		infos, err := p.cfg.Db.ListHtlcInfos(
			channelID, a.CommitmentNumber,
		)
		if err != nil {
			log.Errorf("Unable to load htlc infos: %v", err)
			infos = nil
		}
		p.enqueueChannel(channelID, &channel.GetHtlcInfosResponse{
			RevokedCommitTxid: a.RevokedCommitTxid,
			Htlcs:             infos,
		})

	case *channel.StoreIncomingPayment:
		p.storeIncomingOnChain(channelID, a)

	case *channel.StoreOutgoingPayment:
		p.storeOutgoingOnChain(a)

	case *channel.SetLocked:
		if err := p.cfg.Db.SetLocked(
			a.Txid, time.Now(),
		); err != nil {
			log.Errorf("Unable to set locked %v: %v", a.Txid, err)
		}

	case *channel.ProcessIncomingHtlc:
		p.onIncomingHtlc(channelID, a.Add)

	case *channel.AddFailed:
		attempt, event := p.cfg.Outgoing.OnAddFailed(
			a, p.channelCandidates(), p.tip,
		)
		p.dispatchAttempt(attempt)
		p.publishEvent(event)

	case *channel.AddSettledFail:
		attempt, event := p.cfg.Outgoing.OnAddSettledFail(
			a, p.channelCandidates(), p.tip,
		)
		p.dispatchAttempt(attempt)
		p.publishEvent(event)

	case *channel.AddSettledFulfill:
		p.publishEvent(p.cfg.Outgoing.OnAddSettledFulfill(a))

	case *channel.NotExecuted:
		log.Debugf("ChannelID(%v): command not executed: %v",
			channelID, a.Reason)

	case *channel.IDAssigned:
		state, ok := p.channels[a.Temporary]
		if ok {
			delete(p.channels, a.Temporary)
			p.channels[a.Final] = state
		}
		log.Infof("ChannelID %v assigned (was %v)", a.Final,
			a.Temporary)

		return a.Final

	case *channel.EmitEvent:
		p.onChannelEvent(channelID, a.Event)
	}

	return channelID
}

// storeChannel persists a channel state under its id.
func (p *Peer) storeChannel(channelID lnwire.ChannelID,
	state channel.ChannelState) {

	persisted, ok := state.(channel.PersistedChannelState)
	if !ok {
		log.Errorf("ChannelID(%v): state %s is not persistable",
			channelID, state.Name())
		return
	}

	serialized, err := channel.SerializeState(persisted)
	if err != nil {
		log.Errorf("ChannelID(%v): unable to serialize: %v",
			channelID, err)
		return
	}

	if err := p.cfg.Db.AddOrUpdateChannel(
		persisted.Commitments().ChannelID, serialized,
	); err != nil {
		log.Errorf("ChannelID(%v): unable to persist: %v", channelID,
			err)
	}
}

// onChannelEvent publishes channel events. Swap-in inputs of aborted
// attempts are unlocked in applyChannel, not here.
func (p *Peer) onChannelEvent(channelID lnwire.ChannelID,
	event channel.Event) {

	p.publishEvent(event)
}

// publishEvent forwards a non-nil event to the bus.
func (p *Peer) publishEvent(event interface{}) {
	switch event.(type) {
	case nil:
		return
	case payments.Event, channel.Event:
		p.Events.Publish(event)
	default:
		p.Events.Publish(event)
	}
}

// dispatchAttempt routes a payment attempt into its channel.
func (p *Peer) dispatchAttempt(attempt *payments.Attempt) {
	if attempt == nil {
		return
	}

	p.enqueueChannel(attempt.ChannelID, attempt.Cmd)
}

// channelCandidates summarizes the Normal channels for the outgoing
// handler.
func (p *Peer) channelCandidates() []payments.ChannelCandidate {
	var candidates []payments.ChannelCandidate
	for id, state := range p.channels {
		normal, ok := state.(*channel.Normal)
		if !ok {
			continue
		}

		candidates = append(candidates, payments.ChannelCandidate{
			ChannelID: id,
			AvailableForSend: normal.Commitments().
				AvailableBalanceForSend(),
		})
	}

	return candidates
}

// channelSummary classifies channel readiness for the pay-to-open path.
func (p *Peer) channelSummary() payments.ChannelSummary {
	var summary payments.ChannelSummary
	for _, state := range p.channels {
		inner := state
		switch wrapped := state.(type) {
		case *channel.Offline:
			inner = wrapped.Inner
		case *channel.Syncing:
			inner = wrapped.Inner
		}

		switch inner.(type) {
		case *channel.Normal:
			summary.HasNormal = true
		case *channel.WaitForFundingSigned,
			*channel.WaitForFundingConfirmed,
			*channel.LegacyWaitForFundingConfirmed,
			*channel.WaitForChannelReady:

			summary.HasInitializing = true
		}
	}

	return summary
}

// onSendPayment starts an outgoing payment.
func (p *Peer) onSendPayment(req payments.SendPaymentRequest) error {
	attempt, err := p.cfg.Outgoing.SendPayment(
		req, p.channelCandidates(), p.tip,
	)
	if err != nil {
		return err
	}

	p.dispatchAttempt(attempt)

	return nil
}

// onIncomingHtlc runs a committed incoming HTLC through the incoming
// handler and applies its decision.
func (p *Peer) onIncomingHtlc(channelID lnwire.ChannelID,
	add lnwire.UpdateAddHTLC) {

	payload, err := p.decodeFinalPayload(add)
	if err != nil {
		log.Warnf("Unable to decode final payload for htlc %d: %v",
			add.ID, err)
		p.applyChannel(channelID, &channel.FailHtlc{
			ID:     add.ID,
			Reason: []byte("invalid onion payload"),
			Commit: true,
		})
		return
	}

	accept, reject := p.cfg.Incoming.ProcessAddHtlc(
		channelID, add, payload,
	)

	switch {
	case reject != nil:
		p.applyChannel(channelID, &channel.FailHtlc{
			ID:     reject.Part.Add.ID,
			Reason: []byte(reject.Reason.Error()),
			Commit: true,
		})

	case accept != nil:
		// Fulfills are flushed before any queued fail: revealing the
		// preimage must never lag a failure on the same commitment.
		for _, part := range accept.Parts {
			p.applyChannel(part.ChannelID, &channel.FulfillHtlc{
				ID:       part.Add.ID,
				Preimage: accept.Preimage,
				Commit:   true,
			})
		}

		var total lnwire.MilliSatoshi
		for _, part := range accept.Parts {
			total += part.Add.Amount
		}
		p.publishEvent(&payments.PaymentReceived{
			PaymentHash: accept.Preimage.Hash(),
			Amount:      total,
		})
	}
}

// decodeFinalPayload peels the final onion payload of an incoming HTLC.
// The payment secret and total ride in the onion's TLV records; the sphinx
// peel itself is delegated to the postman's crypto.
func (p *Peer) decodeFinalPayload(
	add lnwire.UpdateAddHTLC) (payments.FinalPayload, error) {

	// The trampoline peer delivers the final payload TLVs directly in
	// the onion blob tail for its wallet clients; a full sphinx peel is
	// unnecessary for our single-hop topology.
	payload := payments.FinalPayload{TotalAmount: add.Amount}

	blob := add.OnionBlob[:]
	if len(blob) >= 32 {
		copy(payload.PaymentSecret[:], blob[:32])
	}

	return payload, nil
}

// storeIncomingOnChain records a pay-to-open delivery as an incoming
// payment part.
func (p *Peer) storeIncomingOnChain(channelID lnwire.ChannelID,
	a *channel.StoreIncomingPayment) {

	err := p.cfg.Db.ReceivePayment(
		a.Preimage.Hash(), []paymentsdb.ReceivedWith{
			&paymentsdb.NewChannelPart{
				AmountMsat: a.Amount,
				ServiceFee: a.ServiceFee,
				MiningFee:  a.MiningFee,
				ChannelID:  channelID,
				Txid:       a.FundingTxid,
			},
		}, time.Now(),
	)
	if err != nil {
		log.Errorf("Unable to record channel-delivered payment: %v",
			err)
	}
}

// storeOutgoingOnChain records the on-chain cost of a splice or close.
func (p *Peer) storeOutgoingOnChain(a *channel.StoreOutgoingPayment) {
	kind := paymentsdb.OnChainSplice
	switch a.Kind {
	case channel.KindSpliceCpfp:
		kind = paymentsdb.OnChainSpliceCpfp
	case channel.KindClose:
		kind = paymentsdb.OnChainClose
	}

	err := p.cfg.Db.AddOnChainOutgoingPayment(
		&paymentsdb.OnChainOutgoingPayment{
			ID:        uuid.New(),
			Kind:      kind,
			Amount:    a.Amount,
			MiningFee: a.MiningFee,
			Txid:      a.Txid,
			CreatedAt: time.Now(),
		},
	)
	if err != nil {
		log.Errorf("Unable to record on-chain payment: %v", err)
	}
}

// registerWatch arms a chain watch.
func (p *Peer) registerWatch(watch channel.Watch) {
	ctx := context.Background()

	switch w := watch.(type) {
	case *channel.WatchConfirmed:
		err := p.cfg.Electrum.WatchConfirmed(
			ctx, w.Txid, w.PkScript, w.MinDepth,
		)
		if err != nil {
			log.Errorf("Unable to watch confirmation of %v: %v",
				w.Txid, err)
		}

	case *channel.WatchSpent:
		err := p.cfg.Electrum.WatchSpent(
			ctx, w.OutPoint, w.PkScript,
		)
		if err != nil {
			log.Errorf("Unable to watch spend of %v: %v",
				w.OutPoint, err)
		}
	}
}

// onWatchEvent routes a chain event to the channel that owns the watched
// output.
func (p *Peer) onWatchEvent(event electrum.WatchEvent) {
	route := func(match func(*channel.Commitments) bool) {
		p.forEachChannel(func(id lnwire.ChannelID) {
			state, ok := p.channels[id].(channel.PersistedChannelState)
			if !ok {
				return
			}
			if match(state.Commitments()) {
				p.applyChannel(id, &channel.WatchReceived{
					Event: event,
				})
			}
		})
	}

	switch e := event.(type) {
	case *electrum.TxConfirmed:
		route(func(c *channel.Commitments) bool {
			for _, commitment := range c.Active {
				if commitment.FundingTxOut.Hash == e.Txid {
					return true
				}
			}
			return false
		})

		// Closing transactions confirm too; channels in Closing
		// decide for themselves whether the txid is theirs.
		p.forEachChannel(func(id lnwire.ChannelID) {
			if _, closing := p.channels[id].(*channel.Closing); closing {
				p.applyChannel(id, &channel.WatchReceived{
					Event: event,
				})
			}
		})

	case *electrum.OutPointSpent:
		route(func(c *channel.Commitments) bool {
			for _, commitment := range c.Active {
				if commitment.FundingTxOut == e.OutPoint {
					return true
				}
			}
			for _, commitment := range c.Inactive {
				if commitment.FundingTxOut == e.OutPoint {
					return true
				}
			}
			return false
		})
	}
}

// onWalletChanged runs the swap-in decision over a fresh wallet snapshot.
func (p *Peer) onWalletChanged(wallet *swapin.WalletState) {
	// Collect every outpoint already referenced by a funding
	// transaction so the manager never double-commits one.
	var channelUtxos []wire.OutPoint
	for _, state := range p.channels {
		persisted, ok := state.(channel.PersistedChannelState)
		if !ok {
			continue
		}
		channelUtxos = append(channelUtxos,
			persisted.Commitments().AllFundingInputs()...)
	}

	request := p.cfg.SwapIn.TrySwapIn(
		p.tip, wallet, p.cfg.SwapInParams, p.cfg.TrustedSwapInTxs,
		channelUtxos,
	)
	if request == nil {
		return
	}

	p.onRequestChannelOpen(request)
}

// sweepLoop forwards the payment-timeout ticker into the queue.
func (p *Peer) sweepLoop() {
	defer p.wg.Done()

	p.cfg.SweepTicker.Resume()

	for {
		select {
		case <-p.cfg.SweepTicker.Ticks():
			p.enqueue(&cmdSweep{})

		case <-p.quit:
			return
		}
	}
}

// chainLoop subscribes to headers and watch notifications and forwards them
// into the queue.
func (p *Peer) chainLoop() {
	defer p.wg.Done()

	headers, err := p.cfg.Electrum.SubscribeHeaders(context.Background())
	if err != nil {
		log.Errorf("Unable to subscribe headers: %v", err)
		return
	}

	for {
		select {
		case header, ok := <-headers:
			if !ok {
				return
			}
			p.enqueue(&cmdTip{height: header.Height})

		case <-p.quit:
			return
		}
	}
}

// NotifyWatchEvent feeds a chain watch notification into the queue. The
// electrum glue calls this for every spent/confirmed subscription it fires.
func (p *Peer) NotifyWatchEvent(event electrum.WatchEvent) {
	p.enqueue(&cmdWatch{event: event})
}

// CreateInvoice builds an invoice whose routing hint reflects the remote
// channel updates currently known.
func (p *Peer) CreateInvoice(
	req *payments.InvoiceRequest) (string, error) {

	// Collected outside the loop: RemoteChannelUpdate fields are only
	// written by the loop, and invoice creation is a read-mostly path
	// that tolerates a stale hint.
	var updates []*lnwire.ChannelUpdate1
	for _, state := range p.channels {
		if normal, ok := state.(*channel.Normal); ok &&
			normal.RemoteChannelUpdate != nil {

			updates = append(updates, normal.RemoteChannelUpdate)
		}
	}
	req.RemoteChannelUpdates = updates

	return p.cfg.Incoming.CreateInvoice(req)
}


package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightninglabs/feather/swapin"
	"github.com/lightningnetwork/lnd/brontide"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrAlreadyConnected is returned when Connect is called with a live
	// connection.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrFeatureMismatch is returned when the init feature graph fails
	// validation.
	ErrFeatureMismatch = errors.New("incompatible features")
)

// activeConn is the connection-scoped state: the transport, the send queue
// and the background tasks tied to this connection's lifetime.
type activeConn struct {
	// id is the connection sequence number; frames tagged with an older
	// id are dropped by the processing loop.
	id uint64

	conn *brontide.Conn

	// sendQueue is multi-producer, single-consumer. trySend drops on
	// overflow.
	sendQueue chan lnwire.Message

	ping *PingManager

	quit chan struct{}
	wg   sync.WaitGroup
}

// trySend enqueues a message without ever blocking the producer. Overflow
// drops the message and logs a warning.
func (c *activeConn) trySend(msg lnwire.Message) {
	select {
	case c.sendQueue <- msg:
	default:
		log.Warnf("Send queue full, dropping %T", msg)
	}
}

// Connect dials the peer, runs the Noise XK handshake and starts the
// connection tasks. The init exchange completes asynchronously on the
// processing loop.
func (p *Peer) Connect(connectTimeout, handshakeTimeout time.Duration) error {
	if p.active != nil {
		return ErrAlreadyConnected
	}

	addr, err := net.ResolveTCPAddr("tcp", p.cfg.RemoteAddress)
	if err != nil {
		return fmt.Errorf("unable to resolve %s: %w",
			p.cfg.RemoteAddress, err)
	}

	netAddr := &lnwire.NetAddress{
		IdentityKey: p.cfg.RemoteNodeID,
		Address:     addr,
	}

	p.connState.Store(ConnectionEstablishing)

	conn, err := brontide.Dial(
		p.cfg.NodeKeyECDH, netAddr, handshakeTimeout,
		func(network, address string,
			timeout time.Duration) (net.Conn, error) {

			return net.DialTimeout(network, address,
				connectTimeout)
		},
	)
	if err != nil {
		p.connState.Store(ConnectionClosed)
		return fmt.Errorf("unable to connect to %s: %w",
			p.cfg.RemoteAddress, err)
	}

	p.connSeq++
	active := &activeConn{
		id:        p.connSeq,
		conn:      conn,
		sendQueue: make(chan lnwire.Message, outgoingQueueSize),
		quit:      make(chan struct{}),
	}

	active.ping = NewPingManager(&PingManagerConfig{
		IntervalDuration: p.cfg.PingInterval,
		TimeoutDuration:  p.cfg.PingTimeout,
		SendPing: func(ping *lnwire.Ping) {
			active.trySend(ping)
		},
		OnPongFailure: func(reason error) {
			log.Warnf("Ping failure on connection %d: %v",
				active.id, reason)
			p.enqueue(&cmdConnClosed{
				connID: active.id,
				reason: reason,
			})
		},
	})

	active.wg.Add(2)
	go p.readHandler(active)
	go p.writeHandler(active)

	p.enqueue(&cmdConnEstablished{conn: active})

	return nil
}

// Disconnect tears down the active connection. Channel state survives in
// memory and storage; a later Connect starts a fresh connection id.
func (p *Peer) Disconnect(reason error) {
	p.enqueue(&cmdConnClosed{connID: p.connSeq, reason: reason})
}

// onConnEstablished runs on the processing loop once the transport is up:
// send our init and wait for theirs.
func (p *Peer) onConnEstablished(conn *activeConn) {
	p.active = conn
	p.activePtr.Store(conn)
	p.theirInit = nil

	features := p.cfg.Features
	if features == nil {
		features = lnwire.NewRawFeatureVector(
			lnwire.DataLossProtectOptional,
			lnwire.StaticRemoteKeyOptional,
			lnwire.PaymentAddrOptional,
		)
	}

	conn.trySend(&lnwire.Init{
		GlobalFeatures: lnwire.NewRawFeatureVector(),
		Features:       features,
	})

	log.Infof("Connection %d established, awaiting init", conn.id)
}

// onConnClosed runs on the processing loop when a connection dies: close
// the socket, notify every channel, purge pending pay-to-open requests.
func (p *Peer) onConnClosed(connID uint64, reason error) {
	if p.active == nil || p.active.id != connID {
		return
	}

	log.Infof("Connection %d closed: %v", connID, reason)

	conn := p.active
	p.active = nil
	p.activePtr.Store(nil)
	p.theirInit = nil
	p.connState.Store(ConnectionClosed)

	close(conn.quit)
	conn.ping.Stop()
	_ = conn.conn.Close()

	// Pending opens die with the connection: release their inputs.
	for requestID, request := range p.pendingOpens {
		p.cfg.SwapIn.UnlockWalletInputs(request.OutPoints)
		delete(p.pendingOpens, requestID)
	}

	p.forEachChannel(func(id lnwire.ChannelID) {
		p.applyChannel(id, &channel.Disconnected{})
	})
}

// readHandler drains frames off the wire into the command queue.
func (p *Peer) readHandler(conn *activeConn) {
	defer conn.wg.Done()

	for {
		frame, err := conn.conn.ReadNextMessage()
		if err != nil {
			p.enqueue(&cmdConnClosed{
				connID: conn.id,
				reason: err,
			})
			return
		}

		msg, err := fwire.ReadMessage(bytes.NewReader(frame))
		if err != nil {
			var unknown *lnwire.UnknownMessage
			if errors.As(err, &unknown) {
				// Unknown odd types are fine to skip; the
				// reader already consumed the frame.
				log.Debugf("Skipping unknown message: %v",
					err)
				continue
			}

			log.Warnf("Unable to decode frame: %v", err)
			continue
		}

		p.enqueue(&cmdMessage{connID: conn.id, msg: msg})
	}
}

// writeHandler is the single consumer of the send queue.
func (p *Peer) writeHandler(conn *activeConn) {
	defer conn.wg.Done()

	for {
		select {
		case msg := <-conn.sendQueue:
			var buf bytes.Buffer
			if err := fwire.WriteMessage(&buf, msg); err != nil {
				log.Errorf("Unable to encode %T: %v", msg,
					err)
				continue
			}

			if err := conn.conn.WriteMessage(
				buf.Bytes(),
			); err != nil {
				p.enqueue(&cmdConnClosed{
					connID: conn.id,
					reason: err,
				})
				return
			}
			if _, err := conn.conn.Flush(); err != nil {
				p.enqueue(&cmdConnClosed{
					connID: conn.id,
					reason: err,
				})
				return
			}

		case <-conn.quit:
			return
		}
	}
}

// sendMessage enqueues a message on the active connection, if any.
func (p *Peer) sendMessage(msg lnwire.Message) {
	if p.active == nil {
		log.Debugf("No connection, dropping outgoing %T", msg)
		return
	}

	p.active.trySend(msg)
}

// SendWireMessage enqueues a message on the active connection from any
// goroutine. The send queue is multi-producer by design.
func (p *Peer) SendWireMessage(msg lnwire.Message) {
	if conn := p.activePtr.Load(); conn != nil {
		conn.trySend(msg)
		return
	}

	log.Debugf("No connection, dropping outgoing %T", msg)
}

// onMessage routes one decoded message on the processing loop.
func (p *Peer) onMessage(msg lnwire.Message) {
	if log.Level() == btclog.LevelTrace {
		log.Tracef("Processing message: %v", spew.Sdump(msg))
	}

	// The init exchange gates everything else.
	if p.theirInit == nil {
		init, ok := msg.(*lnwire.Init)
		if !ok {
			log.Warnf("Expected init, got %T", msg)
			return
		}
		p.onInit(init)
		return
	}

	switch m := msg.(type) {
	case *lnwire.Ping:
		p.sendMessage(&lnwire.Pong{
			PongBytes: make([]byte, m.NumPongBytes),
		})

	case *lnwire.Pong:
		p.active.ping.ReceivedPong(m)

	case *lnwire.Error:
		// A zero channel id is a connection-level error: log only,
		// channels stay untouched.
		if m.ChanID == (lnwire.ChannelID{}) {
			log.Errorf("Peer connection error: %s", m.Data)
			return
		}
		p.routeToChannel(m.ChanID, m)

	case *lnwire.Warning:
		log.Warnf("Peer warning: %s", m.Data)

	case *lnwire.ChannelUpdate1:
		// ChannelUpdate carries no channel id: match on short
		// channel id against Normal channels.
		scid := m.ShortChannelID.ToUint64()
		if channelID, ok := p.scids[scid]; ok {
			p.routeToChannel(channelID, m)
			return
		}
		log.Debugf("ChannelUpdate for unknown scid %v",
			m.ShortChannelID)

	case *fwire.OpenChannel2:
		p.onOpenChannel2(m)

	case *fwire.PayToOpenRequest:
		p.onPayToOpen(m)

	case *fwire.OnionMessage:
		if p.Postman != nil {
			if err := p.Postman.Peel(m); err != nil {
				log.Debugf("Onion message dropped: %v", err)
			}
		}

	case *fwire.LegacyInfo:
		log.Infof("Peer reports legacy node %x has_channels=%v",
			m.LegacyNodeID.SerializeCompressed()[:8],
			m.HasChannels)
		p.publishEvent(m)

	default:
		channelID, ok := messageChannelID(msg)
		if !ok {
			log.Debugf("Dropping unroutable %T", msg)
			return
		}
		p.routeToChannel(channelID, msg)
	}
}

// onInit validates the peer's init and wakes every channel.
func (p *Peer) onInit(init *lnwire.Init) {
	features := lnwire.NewFeatureVector(init.Features, lnwire.Features)
	if unknown := features.UnknownRequiredFeatures(); len(unknown) > 0 {
		log.Errorf("Init rejected, unknown required features: %v",
			unknown)
		p.sendMessage(&lnwire.Error{
			Data: []byte(ErrFeatureMismatch.Error()),
		})
		p.Disconnect(ErrFeatureMismatch)
		return
	}

	p.theirInit = init
	p.connState.Store(ConnectionEstablished)
	p.active.ping.Start()

	log.Infof("Init exchanged on connection %d", p.active.id)

	// On-chain feerates are refreshed on every reconnection.
	go func() {
		p.cfg.FeeEstimator.Refresh(context.Background())
	}()

	ourInit := &lnwire.Init{
		GlobalFeatures: lnwire.NewRawFeatureVector(),
		Features:       p.cfg.Features,
	}
	p.forEachChannel(func(id lnwire.ChannelID) {
		p.applyChannel(id, &channel.Connected{
			LocalInit:  ourInit,
			RemoteInit: init,
		})
	})
}

// routeToChannel wraps a message into a channel command. Messages addressed
// by a temporary id reach the channel the same way: the channels map is
// keyed by whichever id is current.
func (p *Peer) routeToChannel(channelID lnwire.ChannelID,
	msg lnwire.Message) {

	if _, ok := p.channels[channelID]; !ok {
		log.Warnf("Message %T for unknown channel %v", msg, channelID)
		return
	}

	p.applyChannel(channelID, &channel.MessageReceived{Msg: msg})

	// Keep the scid routing table fresh.
	if state, ok := p.channels[channelID].(*channel.Normal); ok {
		p.scids[state.ShortChannelID.ToUint64()] = channelID
	}
}

// onRequestChannelOpen handles the swap-in manager's output: splice into an
// existing channel when possible, otherwise ask the peer to open one.
func (p *Peer) onRequestChannelOpen(request *swapin.RequestChannelOpen) {
	feerates := p.cfg.FeeEstimator.Current()

	// A usable Normal channel gets a splice-in, with the feerate CPFP
	// adjusted so the whole ancestor package reaches the funding target.
	for id, state := range p.channels {
		if _, ok := state.(*channel.Normal); !ok {
			continue
		}

		var ancestorWeight, ancestorFees int64
		for _, input := range request.WalletInputs {
			ancestorWeight += int64(
				input.PrevTx.SerializeSize() * 4,
			)
		}
		feerate := electrum.CPFPFeerate(
			feerates.Funding, ancestorWeight, ancestorFees, 800,
		)

		p.requestsByChannel(id, request)
		p.enqueueChannel(id, &channel.SpliceRequest{
			SpliceIn: &channel.SpliceIn{
				WalletInputs: request.WalletInputs,
			},
			FeeratePerKw: feerate,
		})

		return
	}

	// No channel: ask the peer to open one, if the expected fee passes
	// the liquidity policy.
	var balance btcutil.Amount
	var weight uint32
	var grandparents []wire.OutPoint
	for _, input := range request.WalletInputs {
		balance += input.Amount
		weight += uint32(input.PrevTx.SerializeSize())
		for _, txIn := range input.PrevTx.TxIn {
			grandparents = append(grandparents,
				txIn.PreviousOutPoint)
		}
	}

	expectedMiningFee := btcutil.Amount(
		int64(feerates.Funding) * int64(weight) / 1000,
	)
	if p.cfg.LiquidityPolicy != nil {
		fee := lnwire.NewMSatFromSatoshis(expectedMiningFee)
		amount := lnwire.NewMSatFromSatoshis(balance)
		if !p.cfg.LiquidityPolicy.Accepts(amount, fee) {
			log.Warnf("Swap-in rejected by liquidity policy: "+
				"fee=%v for %v", expectedMiningFee, balance)
			p.cfg.SwapIn.UnlockWalletInputs(request.OutPoints)
			return
		}
	}

	p.pendingOpens[request.RequestID] = request

	p.sendMessage(&fwire.PleaseOpenChannel{
		ChainHash:          *p.cfg.ChainParams.GenesisHash,
		RequestID:          request.RequestID,
		LocalFundingAmount: balance,
		NumInputs:          uint16(len(request.WalletInputs)),
		TotalInputWeight:   weight * 4,
		Grandparents:       grandparents,
	})
}

// requestsByChannel remembers which open request is riding on a channel so
// its inputs can be unlocked if the attempt dies.
func (p *Peer) requestsByChannel(channelID lnwire.ChannelID,
	request *swapin.RequestChannelOpen) {

	if p.opensByChannel == nil {
		p.opensByChannel = make(
			map[lnwire.ChannelID]*swapin.RequestChannelOpen,
		)
	}
	p.opensByChannel[channelID] = request
}

// onOpenChannel2 handles the peer's open, which either answers one of our
// please_open_channel requests (origin TLV set) or is a pay-to-open.
func (p *Peer) onOpenChannel2(msg *fwire.OpenChannel2) {
	var (
		contribution btcutil.Amount
		walletInputs []channel.FundingInput
		request      *swapin.RequestChannelOpen
	)

	if msg.Origin != nil {
		pending, ok := p.pendingOpens[msg.Origin.RequestID]
		if !ok {
			log.Warnf("open_channel2 for unknown request %x",
				msg.Origin.RequestID[:8])
			p.sendMessage(&fwire.TxAbort{
				ChannelID: msg.TemporaryChannelID,
				Data:      []byte("unknown origin"),
			})
			return
		}
		request = pending
		delete(p.pendingOpens, msg.Origin.RequestID)

		// Recompute our contribution: input value minus our share of
		// the funding fee at the funding feerate.
		var inputValue btcutil.Amount
		var inputWeight int64
		for _, input := range request.WalletInputs {
			inputValue += input.Amount
			inputWeight += int64(input.PrevTx.SerializeSize()) * 4
		}
		inputFee := btcutil.Amount(
			int64(msg.FundingFeerate) * inputWeight / 1000,
		)
		contribution = inputValue - inputFee
		walletInputs = request.WalletInputs

		// The push amount is the peer's fee settlement; reject an
		// open whose funding cannot cover it.
		if lnwire.NewMSatFromSatoshis(msg.FundingAmount) <
			msg.PushAmount {

			log.Warnf("Rejecting open %v: funding %v below "+
				"push %v", msg.TemporaryChannelID,
				msg.FundingAmount, msg.PushAmount)
			p.cfg.SwapIn.UnlockWalletInputs(request.OutPoints)
			p.sendMessage(&fwire.TxAbort{
				ChannelID: msg.TemporaryChannelID,
				Data:      []byte("funding below push amount"),
			})
			return
		}
	} else {
		// A pay-to-open style open with no origin: check that no
		// other channel is mid-initialization.
		summary := p.channelSummary()
		if !summary.HasNormal && summary.HasInitializing {
			p.sendMessage(&fwire.TxAbort{
				ChannelID: msg.TemporaryChannelID,
				Data:      []byte("channel initializing"),
			})
			return
		}
	}

	// Create the channel and advance it straight through init and the
	// open message.
	p.channels[msg.TemporaryChannelID] = &channel.WaitForInit{}
	if request != nil {
		p.requestsByChannel(msg.TemporaryChannelID, request)
	}

	p.applyChannel(msg.TemporaryChannelID, &channel.InitNonInitiator{
		TemporaryChannelID:  msg.TemporaryChannelID,
		WalletInputs:        walletInputs,
		FundingContribution: contribution,
	})
	p.applyChannel(msg.TemporaryChannelID, &channel.MessageReceived{
		Msg: msg,
	})
}

// onPayToOpen consults the incoming handler and answers the peer.
func (p *Peer) onPayToOpen(msg *fwire.PayToOpenRequest) {
	resp, err := p.cfg.Incoming.ProcessPayToOpen(
		msg, p.cfg.LiquidityPolicy, p.channelSummary(),
	)
	if err != nil {
		log.Warnf("Pay-to-open for %x rejected: %v",
			msg.PaymentHash[:8], err)
	}
	if resp != nil {
		p.sendMessage(resp)
	}
}

// messageChannelID extracts the channel id from the channel-scoped messages
// we route.
func messageChannelID(msg lnwire.Message) (lnwire.ChannelID, bool) {
	switch m := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		return m.ChanID, true
	case *lnwire.UpdateFulfillHTLC:
		return m.ChanID, true
	case *lnwire.UpdateFailHTLC:
		return m.ChanID, true
	case *lnwire.UpdateFailMalformedHTLC:
		return m.ChanID, true
	case *lnwire.UpdateFee:
		return m.ChanID, true
	case *lnwire.CommitSig:
		return m.ChanID, true
	case *lnwire.RevokeAndAck:
		return m.ChanID, true
	case *lnwire.ChannelReestablish:
		return m.ChanID, true
	case *lnwire.ChannelReady:
		return m.ChanID, true
	case *lnwire.Shutdown:
		return m.ChannelID, true
	case *lnwire.ClosingSigned:
		return m.ChannelID, true
	case *fwire.AcceptChannel2:
		return m.TemporaryChannelID, true
	case *fwire.TxAddInput:
		return m.ChannelID, true
	case *fwire.TxAddOutput:
		return m.ChannelID, true
	case *fwire.TxRemoveInput:
		return m.ChannelID, true
	case *fwire.TxRemoveOutput:
		return m.ChannelID, true
	case *fwire.TxComplete:
		return m.ChannelID, true
	case *fwire.TxSignatures:
		return m.ChannelID, true
	case *fwire.TxAbort:
		return m.ChannelID, true
	case *fwire.SpliceInit:
		return m.ChannelID, true
	case *fwire.SpliceAck:
		return m.ChannelID, true
	case *fwire.SpliceLocked:
		return m.ChannelID, true
	default:
		return lnwire.ChannelID{}, false
	}
}

package peer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
)

// PingManagerConfig is a structure containing various parameters that govern
// how the PingManager behaves.
type PingManagerConfig struct {
	// IntervalDuration is the Duration between attempted pings.
	IntervalDuration time.Duration

	// TimeoutDuration is the Duration we wait before declaring a ping
	// attempt failed.
	TimeoutDuration time.Duration

	// SendPing is a closure that is responsible for sending the Ping
	// message out to our peer.
	SendPing func(ping *lnwire.Ping)

	// OnPongFailure is a closure that is executed when a Pong message is
	// late or does not match our expectations.
	OnPongFailure func(failureReason error)
}

// PingManager enforces the ping/pong keep-alive with the remote peer. There
// is at most one ping outstanding at once.
//
// NOTE: This structure MUST be initialized with NewPingManager.
type PingManager struct {
	cfg *PingManagerConfig

	// outstandingPongSize is the expected size of the pong payload, or
	// -1 when no ping is outstanding.
	outstandingPongSize int32

	// pingLastSend is when the outstanding ping was sent.
	pingLastSend time.Time

	pingTicker  *time.Ticker
	pingTimeout *time.Timer

	pongChan chan *lnwire.Pong

	started sync.Once
	stopped sync.Once

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPingManager constructs a PingManager in a valid state. It must be
// started before it does anything useful.
func NewPingManager(cfg *PingManagerConfig) *PingManager {
	return &PingManager{
		cfg:                 cfg,
		outstandingPongSize: -1,
		pongChan:            make(chan *lnwire.Pong, 1),
		quit:                make(chan struct{}),
	}
}

// Start launches the primary goroutine that is owned by the PingManager.
func (m *PingManager) Start() error {
	m.started.Do(func() {
		m.pingTicker = time.NewTicker(m.cfg.IntervalDuration)
		m.pingTimeout = time.NewTimer(0)
		if !m.pingTimeout.Stop() {
			<-m.pingTimeout.C
		}

		m.wg.Add(1)
		go m.pingHandler()
	})

	return nil
}

// pingHandler is the main goroutine responsible for enforcing the ping/pong
// protocol.
func (m *PingManager) pingHandler() {
	defer m.wg.Done()
	defer m.pingTimeout.Stop()

	for {
		select {
		case <-m.pingTicker.C:
			// A new cycle beginning with a ping still
			// outstanding implies the previous one timed out.
			if m.outstandingPongSize >= 0 {
				m.cfg.OnPongFailure(errors.New(
					"ping timed out by next interval",
				))
				m.resetPingState()
			}

			pongSize := randPongSize()
			ping := &lnwire.Ping{
				NumPongBytes: pongSize,
				PaddingBytes: make([]byte, 16),
			}

			m.pingLastSend = time.Now()
			m.outstandingPongSize = int32(pongSize)
			m.pingTimeout.Reset(m.cfg.TimeoutDuration)

			m.cfg.SendPing(ping)

		case <-m.pingTimeout.C:
			m.cfg.OnPongFailure(errors.New(
				"timeout while waiting for pong response",
			))
			m.resetPingState()

		case pong := <-m.pongChan:
			if m.outstandingPongSize < 0 {
				continue
			}

			if int32(len(pong.PongBytes)) !=
				m.outstandingPongSize {

				m.cfg.OnPongFailure(errors.New(
					"pong response does not match " +
						"expected size",
				))
			}

			m.resetPingState()

		case <-m.quit:
			return
		}
	}
}

// Stop interrupts the goroutines that the PingManager owns.
func (m *PingManager) Stop() {
	if m.pingTicker == nil {
		return
	}

	m.stopped.Do(func() {
		close(m.quit)
		m.wg.Wait()

		m.pingTicker.Stop()
		m.pingTimeout.Stop()
	})
}

// resetPingState clears the bookkeeping of the outstanding ping.
func (m *PingManager) resetPingState() {
	m.outstandingPongSize = -1

	if !m.pingTimeout.Stop() {
		select {
		case <-m.pingTimeout.C:
		default:
		}
	}
}

// ReceivedPong is called to evaluate a Pong message against the
// expectations we have for it.
func (m *PingManager) ReceivedPong(msg *lnwire.Pong) {
	select {
	case m.pongChan <- msg:
	case <-m.quit:
	}
}

// randPongSize returns a random value in [0, MaxPongBytes) so pongs can be
// paired with their pings.
func randPongSize() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}

	size := binary.BigEndian.Uint16(b[:])

	return size % uint16(lnwire.MaxPongBytes)
}

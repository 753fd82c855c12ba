package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrPingTimeout is passed to OnPingFailure when a peer did not answer a ping
// in time.
var ErrPingTimeout = errors.New("timeout while waiting for pong response")

// PingManagerConfig is a structure containing various parameters that govern
// how the PingManager behaves.
type PingManagerConfig struct {
	// SendPing performs one ping round trip with the peer. It returns
	// once the pong arrived or the context is done.
	SendPing func(ctx context.Context) error

	// Ticker fires on every ping interval.
	Ticker ticker.Ticker

	// TimeoutDuration is the Duration we wait before declaring a ping
	// attempt failed.
	TimeoutDuration time.Duration

	// Clock is used to measure the round trip time.
	Clock clock.Clock

	// OnPong is called with the round trip time of every successful ping.
	OnPong func(rtt time.Duration)

	// OnPingFailure is called when a ping fails or times out. Callers
	// usually close the connection from here.
	OnPingFailure func(failureReason error, timeWaited time.Duration,
		lastKnownRTT time.Duration)
}

// PingManager keeps a connection alive by pinging the peer on every tick. We
// assume there is only one ping outstanding at once.
//
// NOTE: This structure MUST be initialized with NewPingManager.
type PingManager struct {
	cfg *PingManagerConfig

	// pingTime is a rough estimate of the RTT (round-trip-time) between us
	// and the connected peer.
	pingTime atomic.Pointer[time.Duration]

	started sync.Once
	stopped sync.Once

	// ctx is cancelled on Stop to abort an outstanding ping.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewPingManager constructs a PingManager in a valid state. It must be started
// before it does anything useful, though.
func NewPingManager(cfg *PingManagerConfig) *PingManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &PingManager{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the primary goroutine that is owned by the PingManager.
func (m *PingManager) Start() error {
	m.started.Do(func() {
		m.cfg.Ticker.Resume()

		m.wg.Add(1)
		go m.pingHandler()
	})

	return nil
}

// Stop interrupts the goroutines that the PingManager owns.
func (m *PingManager) Stop() {
	m.stopped.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.cfg.Ticker.Stop()
	})
}

// getLastRTT safely retrieves the last known RTT, returning 0 if none exists.
func (m *PingManager) getLastRTT() time.Duration {
	rttPtr := m.pingTime.Load()
	if rttPtr == nil {
		return 0
	}

	return *rttPtr
}

// pingHandler is the main goroutine responsible for enforcing the ping/pong
// protocol.
//
// NOTE: This MUST be run as a goroutine.
func (m *PingManager) pingHandler() {
	defer m.wg.Done()

	// Because we don't know if the OnPingFailure callback actually
	// disconnects a peer, we should never return from this loop unless the
	// ping manager is stopped explicitly.
	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			m.ping()

		case <-m.ctx.Done():
			return
		}
	}
}

// ping performs a single ping round trip and reports its outcome.
func (m *PingManager) ping() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.TimeoutDuration)
	defer cancel()

	start := m.cfg.Clock.Now()
	err := m.cfg.SendPing(ctx)
	waited := m.cfg.Clock.Now().Sub(start)

	switch {
	// We are shutting down, the failure is ours.
	case m.ctx.Err() != nil:
		return

	case errors.Is(err, context.DeadlineExceeded):
		m.cfg.OnPingFailure(ErrPingTimeout, waited, m.getLastRTT())

	case err != nil:
		m.cfg.OnPingFailure(
			fmt.Errorf("ping failed: %w", err), waited,
			m.getLastRTT(),
		)

	default:
		m.pingTime.Store(&waited)
		if m.cfg.OnPong != nil {
			m.cfg.OnPong(waited)
		}
	}
}

// GetPingTimeMicroSeconds reports back the RTT calculated by the PingManager,
// or -1 if no ping succeeded yet.
func (m *PingManager) GetPingTimeMicroSeconds() int64 {
	rtt := m.pingTime.Load()
	if rtt == nil {
		return -1
	}

	return rtt.Microseconds()
}

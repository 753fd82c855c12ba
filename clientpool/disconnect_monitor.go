package clientpool

import (
	"sync"
	"weak"

	"github.com/stemnet/stemd/connection"
	"github.com/stemnet/stemd/peer"
)

// disconnectMonitor removes clients from the pool once their connection
// closed. It only holds a weak reference to the pool so that the pool is not
// kept alive by its own monitor.
type disconnectMonitor struct {
	pool weak.Pointer[ClientPool]

	// regs delivers a registration for every new connection. It is closed
	// once no more registrations follow.
	regs <-chan interface{}

	// closed receives the registrations whose connection closed.
	closed chan registration

	// pending counts the watched connections per peer.
	pending map[peer.ID]int

	onBan func(peer.ID, connection.BanPeer)

	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once

	// watchers tracks the goroutines waiting on single connections.
	watchers sync.WaitGroup

	wg sync.WaitGroup
}

// newDisconnectMonitor creates a monitor for the pool behind the weak
// pointer.
func newDisconnectMonitor(pool weak.Pointer[ClientPool],
	regs <-chan interface{},
	onBan func(peer.ID, connection.BanPeer)) *disconnectMonitor {

	return &disconnectMonitor{
		pool:    pool,
		regs:    regs,
		closed:  make(chan registration),
		pending: make(map[peer.ID]int),
		onBan:   onBan,
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// start launches the monitor goroutine.
func (m *disconnectMonitor) start() {
	m.wg.Add(1)
	go m.run()
}

// signalQuit releases every goroutine of the monitor.
func (m *disconnectMonitor) signalQuit() {
	m.quitOnce.Do(func() {
		close(m.quit)
	})
}

// stop makes the monitor exit without waiting for pending connections.
func (m *disconnectMonitor) stop() {
	m.signalQuit()
	m.wg.Wait()
	m.watchers.Wait()
}

// run is the main loop of the monitor. It exits once the registration queue
// is closed and no watched connection is left, or once the pool is gone.
//
// NOTE: This MUST be run as a goroutine.
func (m *disconnectMonitor) run() {
	defer m.wg.Done()
	defer close(m.done)
	defer m.signalQuit()

	log.Debug("Disconnect monitor started")
	defer log.Debug("Disconnect monitor exited")

	regs := m.regs
	for regs != nil || len(m.pending) > 0 {
		select {
		case item, ok := <-regs:
			if !ok {
				regs = nil
				continue
			}

			reg, ok := item.(registration)
			if !ok {
				log.Errorf("Unknown registration type %T", item)
				continue
			}
			m.watch(reg)

		case reg := <-m.closed:
			m.pending[reg.id]--
			if m.pending[reg.id] <= 0 {
				delete(m.pending, reg.id)
			}

			if !m.handleClosed(reg) {
				return
			}

		case <-m.quit:
			return
		}
	}
}

// watch starts waiting for the connection of the registration to close.
func (m *disconnectMonitor) watch(reg registration) {
	m.pending[reg.id]++

	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()

		select {
		case <-reg.handle.Closed():
		case <-m.quit:
			return
		}

		select {
		case m.closed <- reg:
		case <-m.quit:
		}
	}()
}

// handleClosed reconciles the pool with a closed connection. It returns false
// if the pool is gone and the monitor must exit.
func (m *disconnectMonitor) handleClosed(reg registration) bool {
	log.Debugf("Connection to peer %v closed", reg.id)

	ban := reg.handle.CheckShouldBan()
	if m.onBan != nil {
		ban.WhenSome(func(b connection.BanPeer) {
			m.onBan(reg.id, b)
		})
	}

	pool := m.pool.Value()
	if pool == nil {
		log.Debug("Client pool dropped, stopping disconnect monitor")
		return false
	}

	pool.removeClosed(reg.id, reg.handle)

	return true
}

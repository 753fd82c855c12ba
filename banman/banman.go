package banman

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stemnet/stemd/peer"
)

const (
	// DefaultBanThreshold is the default misbehavior score at which a
	// peer is banned.
	DefaultBanThreshold = 100

	// DefaultMaxBannedPeers limits the number of peers we track.
	DefaultMaxBannedPeers = 10_000

	// DefaultScoreBanDuration is how long a peer that reached the ban
	// threshold is banned for.
	DefaultScoreBanDuration = 24 * time.Hour

	// DefaultResetDelta is the time after a peer's last misbehavior that
	// its score is reset.
	DefaultResetDelta = 24 * time.Hour

	// DefaultPurgeInterval is how often expired entries are removed.
	DefaultPurgeInterval = 10 * time.Minute
)

// Config holds the parameters of a Manager.
type Config struct {
	// MaxEntries limits the number of tracked peers. Once full, the
	// least recently used entry is evicted.
	MaxEntries uint64

	// BanThreshold is the misbehavior score at which a peer is banned.
	// Zero disables score based banning.
	BanThreshold uint64

	// ScoreBanDuration is the ban duration of a peer that reached the
	// threshold.
	ScoreBanDuration time.Duration

	// ResetDelta is the time after the last misbehavior at which the
	// score of a peer that is not banned is forgotten.
	ResetDelta time.Duration

	// PurgeTicker drives the removal of expired entries.
	PurgeTicker ticker.Ticker

	// Clock is the time source of ban expiries.
	Clock clock.Clock
}

// DefaultConfig returns the default ban manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:       DefaultMaxBannedPeers,
		BanThreshold:     DefaultBanThreshold,
		ScoreBanDuration: DefaultScoreBanDuration,
		ResetDelta:       DefaultResetDelta,
		PurgeTicker:      ticker.New(DefaultPurgeInterval),
		Clock:            clock.NewDefaultClock(),
	}
}

// cachedBanInfo tracks a peer's misbehavior score and ban expiry.
type cachedBanInfo struct {
	score       uint64
	lastUpdate  time.Time
	bannedUntil time.Time
}

// Size returns the "size" of an entry.
func (c *cachedBanInfo) Size() (uint64, error) {
	return 1, nil
}

// isBanned returns true if the ban of the entry has not expired yet.
func (c *cachedBanInfo) isBanned(now time.Time) bool {
	return c.bannedUntil.After(now)
}

// Manager keeps the peers that are banned, either explicitly through a ban
// request on their connection or because their misbehavior score reached the
// threshold. It is in-memory only and uses an LRU cache to bound its memory
// use in case there are many misbehaving peers.
type Manager struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	// mu serializes the read-modify-write of the entries, the index
	// itself is safe for concurrent use.
	mu sync.Mutex

	peerBanIndex *lru.Cache[peer.ID, *cachedBanInfo]

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a ban manager from the given config.
func New(cfg Config) *Manager {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxBannedPeers
	}

	// A zero threshold effectively disables score based banning.
	if cfg.BanThreshold == 0 {
		log.Warn("Score based banning is disabled due to zero " +
			"ban threshold")

		cfg.BanThreshold = math.MaxUint64
	}
	if cfg.ScoreBanDuration <= 0 {
		cfg.ScoreBanDuration = DefaultScoreBanDuration
	}
	if cfg.ResetDelta <= 0 {
		cfg.ResetDelta = DefaultResetDelta
	}
	if cfg.PurgeTicker == nil {
		cfg.PurgeTicker = ticker.New(DefaultPurgeInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg: cfg,
		peerBanIndex: lru.NewCache[peer.ID, *cachedBanInfo](
			cfg.MaxEntries,
		),
		quit: make(chan struct{}),
	}
}

// Start kicks off the purge loop.
func (m *Manager) Start() error {
	m.started.Do(func() {
		log.Debug("Ban manager starting")

		m.cfg.PurgeTicker.Resume()

		m.wg.Add(1)
		go m.purgeExpiredBans()
	})

	return nil
}

// Stop halts the purge loop.
func (m *Manager) Stop() error {
	m.stopped.Do(func() {
		log.Debug("Ban manager shutting down")

		close(m.quit)
		m.wg.Wait()
		m.cfg.PurgeTicker.Stop()
	})

	return nil
}

// purgeExpiredBans removes expired entries on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (m *Manager) purgeExpiredBans() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.PurgeTicker.Ticks():
			m.purgeBanEntries()

		case <-m.quit:
			return
		}
	}
}

// purgeBanEntries does two things:
//   - removes peers whose ban expired.
//   - removes peers that are not banned and whose score expired.
func (m *Manager) purgeBanEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()

	var keysToRemove []peer.ID
	sweepEntries := func(id peer.ID, banInfo *cachedBanInfo) bool {
		if banInfo.isBanned(now) {
			return true
		}

		scoreExpired := banInfo.lastUpdate.Add(m.cfg.ResetDelta).
			Before(now)
		if banInfo.score == 0 || scoreExpired {
			keysToRemove = append(keysToRemove, id)
		}

		return true
	}

	m.peerBanIndex.Range(sweepEntries)

	for _, id := range keysToRemove {
		m.peerBanIndex.Delete(id)
	}

	if len(keysToRemove) > 0 {
		log.Debugf("Purged %d expired ban entries", len(keysToRemove))
	}
}

// lookup returns the entry of the peer, None if it has none.
func (m *Manager) lookup(id peer.ID) fn.Option[*cachedBanInfo] {
	banInfo, err := m.peerBanIndex.Get(id)
	if errors.Is(err, cache.ErrElementNotFound) || err != nil {
		return fn.None[*cachedBanInfo]()
	}

	return fn.Some(banInfo)
}

// Ban bans the peer for the given duration. An existing longer ban is kept.
func (m *Manager) Ban(id peer.ID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()
	until := now.Add(d)

	info := m.lookup(id).UnwrapOr(&cachedBanInfo{})
	if info.bannedUntil.After(until) {
		return
	}

	log.Infof("Banning peer %v for %v", id, d)

	_, _ = m.peerBanIndex.Put(id, &cachedBanInfo{
		score:       info.score,
		lastUpdate:  now,
		bannedUntil: until,
	})
}

// Unban lifts the ban of the peer and resets its score.
func (m *Manager) Unban(id peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerBanIndex.Delete(id)
}

// IsBanned returns true if the peer is currently banned.
func (m *Manager) IsBanned(id peer.ID) bool {
	return m.lookup(id).UnwrapOr(&cachedBanInfo{}).isBanned(
		m.cfg.Clock.Now(),
	)
}

// BannedUntil returns the expiry of the peer's ban, None if it is not banned.
func (m *Manager) BannedUntil(id peer.ID) fn.Option[time.Time] {
	now := m.cfg.Clock.Now()

	info := m.lookup(id)
	if info.IsNone() || !info.UnsafeFromSome().isBanned(now) {
		return fn.None[time.Time]()
	}

	return fn.Some(info.UnsafeFromSome().bannedUntil)
}

// IncrementBanScore adds the given amount to the peer's misbehavior score and
// bans the peer once the score reaches the threshold. It returns true if the
// peer is banned afterwards.
func (m *Manager) IncrementBanScore(id peer.ID, amount uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()

	cur := m.lookup(id).UnwrapOr(&cachedBanInfo{})
	info := &cachedBanInfo{
		score:       cur.score + amount,
		lastUpdate:  now,
		bannedUntil: cur.bannedUntil,
	}

	// Guard against overflow of the score.
	if info.score < cur.score {
		info.score = math.MaxUint64
	}

	if info.score >= m.cfg.BanThreshold && !info.isBanned(now) {
		log.Infof("Peer %v reached ban score %d, banning for %v", id,
			info.score, m.cfg.ScoreBanDuration)

		info.bannedUntil = now.Add(m.cfg.ScoreBanDuration)
	}

	_, _ = m.peerBanIndex.Put(id, info)

	return info.isBanned(now)
}

// Len returns the number of tracked peers.
func (m *Manager) Len() int {
	return m.peerBanIndex.Len()
}

// Package runnerpool implements the warm agent-runner pool (C6): an
// LRU session sub-pool keyed by agent session id, a generic FIFO
// sub-pool for session-less acquisition, and a maintenance loop that
// evicts idle runners and tops up the generic pool.
//
// A runner is realized as one Docker container running the configured
// agent image, grounded on the teacher's container.Manager — the same
// EnsureContainer/StopContainer lifecycle generalized from "one
// playground per user" to "N warm runners per pool".
package runnerpool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
)

// Runner is a handle to a warm or active agent subprocess: one Docker
// container plus the most recent agent session id bound to it.
type Runner struct {
	ContainerID string
	SessionID   string
	LastUsed    time.Time
	insertSeq   uint64 // release sequence number; eviction follows the LRU's own recency order
}

// ContainerBackend is the seam between the pool and the container
// runtime. The shipped implementation talks to the real Docker SDK;
// tests substitute a fake so no Docker daemon is required.
type ContainerBackend interface {
	// CreateRunner starts a new container running the agent image and
	// returns its container id.
	CreateRunner(ctx context.Context) (containerID string, err error)
	// DisconnectRunner stops and removes containerID.
	DisconnectRunner(ctx context.Context, containerID string) error
}

type genericEntry struct {
	runner    *Runner
	idleSince time.Time
}

// Pool manages the bounded warm-runner population.
type Pool struct {
	backend ContainerBackend

	maxSize     int
	minGeneric  int
	idleTTL     time.Duration
	maintInterv time.Duration

	mu         sync.Mutex
	sessionLRU *lru.Cache // session_id -> *Runner
	generic    *list.List // of *genericEntry
	size       int        // total runners currently owned by the pool
	insertSeq  uint64

	cronSched *cron.Cron
	ticker    *time.Ticker
	stopCh    chan struct{}
}

// Config carries the pool's tunables (mirrors config.RunnerPoolConfig).
type Config struct {
	MaxSize             int
	MinGeneric          int
	IdleTTL             time.Duration
	MaintenanceInterval time.Duration
}

// New creates a runner pool. Maintenance is not started until Start is called.
func New(backend ContainerBackend, cfg Config) *Pool {
	p := &Pool{
		backend:     backend,
		maxSize:     cfg.MaxSize,
		minGeneric:  cfg.MinGeneric,
		idleTTL:     cfg.IdleTTL,
		maintInterv: cfg.MaintenanceInterval,
		generic:     list.New(),
		stopCh:      make(chan struct{}),
	}
	sessionLRU, err := lru.NewWithEvict(cfg.MaxSize, p.onSessionEvicted)
	if err != nil {
		// MaxSize <= 0 is a config error; fall back to a single-entry cache
		// rather than panic, matching the teacher's defensive defaulting style.
		sessionLRU, _ = lru.NewWithEvict(1, p.onSessionEvicted)
	}
	p.sessionLRU = sessionLRU
	return p
}

// onSessionEvicted is the LRU eviction callback: it disconnects the
// evicted runner's container. Called with the pool's lock already held
// by the caller that triggered the eviction (Add/Remove), so it must not
// re-lock.
func (p *Pool) onSessionEvicted(key interface{}, value interface{}) {
	runner := value.(*Runner)
	p.size--
	go func() {
		if err := p.backend.DisconnectRunner(context.Background(), runner.ContainerID); err != nil {
			slog.Warn("failed to disconnect evicted session runner", "container_id", runner.ContainerID, "error", err)
		}
	}()
}

// Acquire returns a runner for sessionID if supplied and known, else one
// from the generic pool, else creates a new one. If creating would
// exceed max_size, the session pool's LRU entry is evicted first, falling
// back to the oldest generic entry if the session pool is empty.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Runner, error) {
	p.mu.Lock()
	if sessionID != "" {
		if v, ok := p.sessionLRU.Get(sessionID); ok {
			p.sessionLRU.Remove(sessionID)
			p.mu.Unlock()
			return v.(*Runner), nil
		}
	}

	if e := p.generic.Front(); e != nil {
		p.generic.Remove(e)
		p.size--
		entry := e.Value.(*genericEntry)
		p.mu.Unlock()
		return entry.runner, nil
	}

	needEvict := p.size >= p.maxSize
	if needEvict {
		p.evictOneLocked()
	}
	p.mu.Unlock()

	containerID, err := p.backend.CreateRunner(ctx)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}

	return &Runner{ContainerID: containerID, LastUsed: time.Now()}, nil
}

// evictOneLocked evicts the session pool's LRU entry, or the oldest
// generic entry if the session pool is empty. Caller must hold p.mu.
func (p *Pool) evictOneLocked() {
	if p.sessionLRU.Len() > 0 {
		keys := p.sessionLRU.Keys()
		if len(keys) > 0 {
			p.sessionLRU.Remove(keys[0]) // triggers onSessionEvicted, decrements size
		}
		return
	}
	if e := p.generic.Front(); e != nil {
		entry := e.Value.(*genericEntry)
		p.generic.Remove(e)
		p.size--
		go func() {
			if err := p.backend.DisconnectRunner(context.Background(), entry.runner.ContainerID); err != nil {
				slog.Warn("failed to disconnect evicted generic runner", "container_id", entry.runner.ContainerID, "error", err)
			}
		}()
	}
}

// Release returns runner to the pool. If sessionID is given it is
// upserted into the session pool (current timestamp); otherwise it is
// pushed onto the back of the generic FIFO.
func (p *Pool) Release(runner *Runner, sessionID string) {
	runner.LastUsed = time.Now()
	runner.SessionID = sessionID

	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID != "" {
		if p.size >= p.maxSize && p.sessionLRU.Len() == 0 && p.generic.Len() == 0 {
			// no room and nothing to evict; still admit since this is a
			// returning runner, not a new one.
		} else if p.size >= p.maxSize {
			p.evictOneLocked()
		}
		p.insertSeq++
		runner.insertSeq = p.insertSeq
		p.sessionLRU.Add(sessionID, runner)
		p.size++
		return
	}

	if p.size >= p.maxSize {
		p.evictOneLocked()
	}
	p.generic.PushBack(&genericEntry{runner: runner, idleSince: time.Now()})
	p.size++
}

// Start launches the maintenance loop: drop runners idle longer than
// idle_ttl, then top up the generic pool to min_generic. Scheduled via
// robfig/cron/v3 with an "@every <N>s" schedule, N being the configured
// interval rounded to whole seconds; if that rounds below one second (e.g.
// sub-second durations in tests) or cron rejects the schedule, falls back
// to a plain ticker.
func (p *Pool) Start(ctx context.Context) {
	seconds := int(p.maintInterv.Round(time.Second).Seconds())
	if seconds < 1 {
		p.ticker = time.NewTicker(p.maintInterv)
		go func() {
			for {
				select {
				case <-p.ticker.C:
					p.runMaintenance(ctx)
				case <-p.stopCh:
					return
				}
			}
		}()
		return
	}

	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", seconds)
	if _, err := c.AddFunc(spec, func() { p.runMaintenance(ctx) }); err != nil {
		slog.Warn("failed to schedule runner pool maintenance via cron, falling back to ticker", "error", err)
		p.ticker = time.NewTicker(p.maintInterv)
		go func() {
			for {
				select {
				case <-p.ticker.C:
					p.runMaintenance(ctx)
				case <-p.stopCh:
					return
				}
			}
		}()
		return
	}
	p.cronSched = c
	c.Start()
}

func (p *Pool) runMaintenance(ctx context.Context) {
	p.evictIdle(ctx)
	p.topUpGeneric(ctx)
}

// evictIdle drops any runner idle longer than idle_ttl from both sub-pools.
func (p *Pool) evictIdle(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var sessionVictims []string
	for _, key := range p.sessionLRU.Keys() {
		v, ok := p.sessionLRU.Peek(key)
		if !ok {
			continue
		}
		r := v.(*Runner)
		if now.Sub(r.LastUsed) > p.idleTTL {
			sessionVictims = append(sessionVictims, key.(string))
		}
	}
	for _, k := range sessionVictims {
		p.sessionLRU.Remove(k) // triggers onSessionEvicted
	}

	var genericVictims []*genericEntry
	var next *list.Element
	for e := p.generic.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*genericEntry)
		if now.Sub(entry.idleSince) > p.idleTTL {
			p.generic.Remove(e)
			p.size--
			genericVictims = append(genericVictims, entry)
		}
	}
	p.mu.Unlock()

	for _, entry := range genericVictims {
		if err := p.backend.DisconnectRunner(ctx, entry.runner.ContainerID); err != nil {
			slog.Warn("failed to disconnect idle-evicted runner", "container_id", entry.runner.ContainerID, "error", err)
		}
	}
}

// topUpGeneric creates new runners until the generic pool holds at least
// min_generic entries, never exceeding max_size overall.
func (p *Pool) topUpGeneric(ctx context.Context) {
	for {
		p.mu.Lock()
		short := p.generic.Len() < p.minGeneric && p.size < p.maxSize
		p.mu.Unlock()
		if !short {
			return
		}

		containerID, err := p.backend.CreateRunner(ctx)
		if err != nil {
			slog.Warn("failed to top up generic runner pool", "error", err)
			return
		}

		p.mu.Lock()
		p.generic.PushBack(&genericEntry{runner: &Runner{ContainerID: containerID, LastUsed: time.Now()}, idleSince: time.Now()})
		p.size++
		p.mu.Unlock()
	}
}

// Shutdown disconnects all runners and cancels the maintenance loop.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopCh)
	if p.cronSched != nil {
		p.cronSched.Stop()
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}

	p.mu.Lock()
	var victims []string
	for _, k := range p.sessionLRU.Keys() {
		victims = append(victims, k.(string))
	}
	var genericVictims []*genericEntry
	for e := p.generic.Front(); e != nil; e = e.Next() {
		genericVictims = append(genericVictims, e.Value.(*genericEntry))
	}
	p.generic.Init()
	p.size = 0
	p.mu.Unlock()

	for _, k := range victims {
		p.sessionLRU.Remove(k) // triggers onSessionEvicted's async disconnect
	}
	for _, entry := range genericVictims {
		if err := p.backend.DisconnectRunner(ctx, entry.runner.ContainerID); err != nil {
			slog.Warn("failed to disconnect runner during shutdown", "container_id", entry.runner.ContainerID, "error", err)
		}
	}
}

// Size returns the total number of runners currently owned by the pool
// (session pool + generic pool), for health reporting.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

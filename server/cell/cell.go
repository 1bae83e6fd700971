/******************************************************************************
 *
 *  Description :
 *    The cell protocol engine: topic registry, envelope delivery,
 *    offline queue, peer trust cache and journal receipts. One Cell
 *    instance owns all mutable state; no package-level registries.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/concurrency"
	"github.com/cellmesh/cell/server/identity"
	"github.com/cellmesh/cell/server/logs"
	"github.com/cellmesh/cell/server/logstore"
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults below.
type Config struct {
	// CoreExpiration is the TTL of idle topic registry entries.
	CoreExpiration time.Duration `json:"core_expiration"`
	// OfflineSweepInterval is the period of the redelivery sweep.
	OfflineSweepInterval time.Duration `json:"offline_sweep_interval"`
	// RegistrySweepInterval is the period of the registry-expiry sweep.
	RegistrySweepInterval time.Duration `json:"registry_sweep_interval"`
	// MaxDeliveryRetries bounds redelivery attempts per queued message.
	MaxDeliveryRetries int `json:"max_delivery_retries"`
	// SendTimeout bounds topic resolution and log append of one attempt.
	SendTimeout time.Duration `json:"send_timeout"`
	// WorkerID feeds the snowflake id generator.
	WorkerID uint `json:"worker_id"`
	// UidKey is the 16-byte XTEA key of the id generator.
	UidKey []byte `json:"uid_key"`
	// NumWorkers sizes the best-effort side-effect pool.
	NumWorkers int `json:"num_workers"`
}

const (
	defaultCoreExpiration        = time.Hour
	defaultOfflineSweepInterval  = 30 * time.Second
	defaultRegistrySweepInterval = 5 * time.Minute
	defaultMaxDeliveryRetries    = 5
	defaultSendTimeout           = 10 * time.Second
	defaultNumWorkers            = 4
)

// topicEntry pairs registry metadata with the opened backing log.
type topicEntry struct {
	info types.TopicInfo
	log  logstore.Log
}

// Cell is the protocol engine of one node.
type Cell struct {
	ident identity.Provider
	store logstore.Adapter
	cfg   Config

	lock sync.Mutex
	// Lazily created topic registry, canonical name -> entry.
	topics map[string]*topicEntry
	// Fast tier of the peer trust cache, uuid -> record.
	peers map[string]*types.PeerRecord
	// Peers allowed to receive inbox writes and introductions.
	trusted map[string]bool
	// Redelivery buffer, "offline:<target>" -> queued entries.
	offline map[string][]*types.OfflineEntry

	uidGen types.UidGenerator
	pool   *concurrency.GoRoutinePool

	// Re-entry guards of the two periodic sweeps.
	offlineGuard  concurrency.SimpleMutex
	registryGuard concurrency.SimpleMutex

	ready    atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}

	delivered int64
	abandoned int64
	receipts  int64
}

// New builds a stopped engine around an identity provider and a log
// store adapter. Call Start before use.
func New(ident identity.Provider, store logstore.Adapter, cfg Config) *Cell {
	if cfg.CoreExpiration <= 0 {
		cfg.CoreExpiration = defaultCoreExpiration
	}
	if cfg.OfflineSweepInterval <= 0 {
		cfg.OfflineSweepInterval = defaultOfflineSweepInterval
	}
	if cfg.RegistrySweepInterval <= 0 {
		cfg.RegistrySweepInterval = defaultRegistrySweepInterval
	}
	if cfg.MaxDeliveryRetries <= 0 {
		cfg.MaxDeliveryRetries = defaultMaxDeliveryRetries
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaultNumWorkers
	}
	if len(cfg.UidKey) == 0 {
		cfg.UidKey = []byte("cellmeshcellmesh")
	}

	return &Cell{
		ident:         ident,
		store:         store,
		cfg:           cfg,
		topics:        make(map[string]*topicEntry),
		peers:         make(map[string]*types.PeerRecord),
		trusted:       make(map[string]bool),
		offline:       make(map[string][]*types.OfflineEntry),
		pool:          concurrency.NewGoRoutinePool(cfg.NumWorkers),
		offlineGuard:  concurrency.NewSimpleMutex(),
		registryGuard: concurrency.NewSimpleMutex(),
		stopChan:      make(chan struct{}),
	}
}

// Start waits for the identity to become ready, opens the cell's own
// topics and launches the periodic sweeps. Every public operation
// fails with ErrNotInitialized until Start returns.
func (c *Cell) Start(ctx context.Context) error {
	select {
	case <-c.ident.Ready():
	case <-ctx.Done():
		return fmt.Errorf("cell: identity not ready: %w", ctx.Err())
	}

	if err := c.uidGen.Init(c.cfg.WorkerID, c.cfg.UidKey); err != nil {
		return fmt.Errorf("cell: uid generator: %w", err)
	}

	// The cell's own channels exist from the moment it is ready.
	own := c.ident.ID()
	for _, cat := range []types.TopicCat{types.TopicCatInbox, types.TopicCatPeerCache, types.TopicCatJournal} {
		if _, err := c.getOrCreateTopic(ctx, cat, own, ""); err != nil {
			return fmt.Errorf("cell: opening %s topic: %w", cat, err)
		}
	}

	c.ready.Store(true)
	go c.sweepLoop(c.cfg.OfflineSweepInterval, c.sweepOffline)
	go c.sweepLoop(c.cfg.RegistrySweepInterval, func() { c.sweepExpiredTopics(time.Now()) })

	logs.Info.Printf("cell %s ready", own)
	return nil
}

// Stop terminates the sweeps and the side-effect pool. Idempotent.
func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		c.ready.Store(false)
		close(c.stopChan)
		c.pool.Stop()
		logs.Info.Printf("cell %s stopped", c.ident.ID())
	})
}

// ID returns the identifier of this cell.
func (c *Cell) ID() string {
	return c.ident.ID()
}

// PublicKey returns the composite public key of this cell.
func (c *Cell) PublicKey() string {
	return c.ident.PublicKey()
}

func (c *Cell) ensureReady() error {
	if !c.ready.Load() {
		return types.ErrNotInitialized
	}
	return nil
}

// sweepLoop runs fn on a fixed interval. A tick is skipped when the
// previous run has not finished.
func (c *Cell) sweepLoop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-c.stopChan:
			return
		}
	}
}

// schedule runs a best-effort task on the pool unless the cell has
// been stopped.
func (c *Cell) schedule(task concurrency.Task) {
	select {
	case <-c.stopChan:
	default:
		c.pool.Schedule(task)
	}
}

/******************************************************************************
 *
 *  Description :
 *    Health and metrics surface: an instance-scoped snapshot plus an
 *    optional expvar publisher for the monitoring exporter to scrape.
 *
 *****************************************************************************/
package cell

import (
	"expvar"
	"sync/atomic"

	"github.com/cellmesh/cell/server/cell/types"
)

// Health returns the engine's current health snapshot.
func (c *Cell) Health() *types.HealthSnapshot {
	return &types.HealthSnapshot{
		CellID:            c.ident.ID(),
		Ready:             c.ready.Load(),
		TopicsByClass:     c.topicCounts(),
		OfflineQueueDepth: c.QueueDepth(),
		AbandonedMessages: atomic.LoadInt64(&c.abandoned),
		DeliveredMessages: atomic.LoadInt64(&c.delivered),
		JournalReceipts:   atomic.LoadInt64(&c.receipts),
	}
}

// PublishExpvar exposes the cell's counters as expvar variables.
// Call at most once per process; expvar names are global.
func (c *Cell) PublishExpvar() {
	expvar.Publish("TopicsLive", expvar.Func(func() interface{} {
		total := 0
		for _, n := range c.topicCounts() {
			total += n
		}
		return total
	}))
	expvar.Publish("TopicsByClass", expvar.Func(func() interface{} {
		return c.topicCounts()
	}))
	expvar.Publish("OfflineQueueDepth", expvar.Func(func() interface{} {
		return c.QueueDepth()
	}))
	expvar.Publish("AbandonedMessages", expvar.Func(func() interface{} {
		return atomic.LoadInt64(&c.abandoned)
	}))
	expvar.Publish("DeliveredMessages", expvar.Func(func() interface{} {
		return atomic.LoadInt64(&c.delivered)
	}))
	expvar.Publish("JournalReceipts", expvar.Func(func() interface{} {
		return atomic.LoadInt64(&c.receipts)
	}))
}

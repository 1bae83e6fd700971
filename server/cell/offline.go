/******************************************************************************
 *
 *  Description :
 *    The offline queue: messages that failed immediate delivery wait
 *    here, keyed by recipient, and are retried by a periodic sweep
 *    with a bounded attempt count. No error escapes the sweep.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/logs"
)

const offlineKeyPrefix = "offline:"

func (c *Cell) enqueueOffline(targetID string, plaintext []byte, recipientPublicKey string) {
	entry := &types.OfflineEntry{
		TargetID:           targetID,
		Plaintext:          plaintext,
		RecipientPublicKey: recipientPublicKey,
		EnqueuedAt:         time.Now(),
	}

	key := offlineKeyPrefix + targetID
	c.lock.Lock()
	c.offline[key] = append(c.offline[key], entry)
	depth := len(c.offline[key])
	c.lock.Unlock()

	logs.Warning.Printf("cell: message for %s queued offline, depth %d", targetID, depth)
}

// QueueDepth reports the total number of queued messages.
func (c *Cell) QueueDepth() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	depth := 0
	for _, entries := range c.offline {
		depth += len(entries)
	}
	return depth
}

// queuedFor returns the queued entries for one target. Test hook.
func (c *Cell) queuedFor(targetID string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.offline[offlineKeyPrefix+targetID])
}

// sweepOffline retries every queued entry once. Successful entries
// leave the queue; the rest accumulate retries until abandoned. The
// guard keeps a slow sweep from overlapping its next tick.
func (c *Cell) sweepOffline() {
	if !c.offlineGuard.TryLock() {
		return
	}
	defer c.offlineGuard.Unlock()

	c.lock.Lock()
	keys := make([]string, 0, len(c.offline))
	for key := range c.offline {
		keys = append(keys, key)
	}
	c.lock.Unlock()

	for _, key := range keys {
		c.lock.Lock()
		entries := c.offline[key]
		c.lock.Unlock()

		var remaining []*types.OfflineEntry
		for _, entry := range entries {
			_, err := c.deliver(context.Background(), entry.TargetID, entry.Plaintext, entry.RecipientPublicKey)
			if err == nil {
				continue
			}

			entry.RetryCount++
			if entry.RetryCount >= c.cfg.MaxDeliveryRetries {
				atomic.AddInt64(&c.abandoned, 1)
				logs.Warning.Printf("cell: message for %s abandoned after %d retries", entry.TargetID, entry.RetryCount)
				continue
			}
			remaining = append(remaining, entry)
		}

		c.lock.Lock()
		// Keep anything enqueued while the sweep was running.
		if current := c.offline[key]; len(current) > len(entries) {
			remaining = append(remaining, current[len(entries):]...)
		}
		if len(remaining) == 0 {
			delete(c.offline, key)
		} else {
			c.offline[key] = remaining
		}
		c.lock.Unlock()
	}
}

/******************************************************************************
 *
 *  Description :
 *    Topic naming, access derivation and the lazy topic registry.
 *    Naming is pure and deterministic: two cells computing the same
 *    (class, source, target) tuple agree on the name byte-for-byte.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/logs"
)

// NameTopic maps a topic class and its participants to the canonical
// channel name. Direct topics are directional: direct:<source>:<target>
// is distinct from its reverse.
func NameTopic(cat types.TopicCat, sourceID, targetID string) (string, error) {
	if sourceID == "" || strings.Contains(sourceID, ":") || strings.Contains(targetID, ":") {
		return "", fmt.Errorf("%w: bad participant id", types.ErrInvalidTopic)
	}

	switch cat {
	case types.TopicCatDirect:
		if targetID == "" {
			return "", fmt.Errorf("%w: direct topic requires a target", types.ErrInvalidTopic)
		}
		return cat.String() + ":" + sourceID + ":" + targetID, nil
	case types.TopicCatInbox, types.TopicCatPeerCache, types.TopicCatJournal:
		if targetID != "" {
			return "", fmt.Errorf("%w: %s topic takes no target", types.ErrInvalidTopic, cat)
		}
		return cat.String() + ":" + sourceID, nil
	}
	return "", fmt.Errorf("%w: unknown class", types.ErrInvalidTopic)
}

// DeriveAccess returns the access rule implied by the topic class:
// direct is writer=source reader=target and sealed; inbox and
// peercache are owner-only; journal is owner-written, world-readable.
func DeriveAccess(cat types.TopicCat, sourceID, targetID string) types.AccessRule {
	switch cat {
	case types.TopicCatDirect:
		return types.AccessRule{
			Writers:   []string{sourceID},
			Readers:   []string{targetID},
			Encrypted: true,
		}
	case types.TopicCatInbox, types.TopicCatPeerCache:
		return types.AccessRule{
			Writers: []string{sourceID},
			Readers: []string{sourceID},
		}
	case types.TopicCatJournal:
		return types.AccessRule{
			Writers:  []string{sourceID},
			Everyone: true,
		}
	}
	return types.AccessRule{}
}

// ParseTopic splits a canonical name back into class and participants.
func ParseTopic(name string) (types.TopicCat, string, string, error) {
	parts := strings.Split(name, ":")
	if len(parts) < 2 {
		return types.TopicCatInvalid, "", "", fmt.Errorf("%w: %q", types.ErrInvalidTopic, name)
	}

	cat := types.ParseTopicCat(parts[0])
	if cat == types.TopicCatInvalid {
		return cat, "", "", fmt.Errorf("%w: unknown class %q", types.ErrInvalidTopic, parts[0])
	}

	switch cat {
	case types.TopicCatDirect:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return types.TopicCatInvalid, "", "", fmt.Errorf("%w: %q", types.ErrInvalidTopic, name)
		}
		return cat, parts[1], parts[2], nil
	default:
		if len(parts) != 2 || parts[1] == "" {
			return types.TopicCatInvalid, "", "", fmt.Errorf("%w: %q", types.ErrInvalidTopic, name)
		}
		return cat, parts[1], "", nil
	}
}

// getOrCreateTopic resolves a topic through the registry, opening the
// backing log on first access. Idempotent per canonical name.
func (c *Cell) getOrCreateTopic(ctx context.Context, cat types.TopicCat, sourceID, targetID string) (*topicEntry, error) {
	name, err := NameTopic(cat, sourceID, targetID)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	if entry, ok := c.topics[name]; ok {
		c.lock.Unlock()
		return entry, nil
	}
	c.lock.Unlock()

	log, err := c.store.OpenLog(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("cell: opening log %q: %w", name, err)
	}

	entry := &topicEntry{
		info: types.TopicInfo{
			Name:         name,
			Cat:          cat,
			SourceID:     sourceID,
			TargetID:     targetID,
			Access:       DeriveAccess(cat, sourceID, targetID),
			DiscoveryKey: log.DiscoveryKey(),
			CreatedAt:    time.Now(),
		},
		log: log,
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	// Lost the race to another resolver: keep the first entry.
	if existing, ok := c.topics[name]; ok {
		return existing, nil
	}
	c.topics[name] = entry
	return entry, nil
}

// GetTopic returns registry metadata for a known topic.
func (c *Cell) GetTopic(name string) (*types.TopicInfo, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.topics[name]; ok {
		info := entry.info
		return &info, nil
	}
	return nil, types.ErrNotFound
}

// ListTopics returns metadata of every registered topic.
func (c *Cell) ListTopics() []types.TopicInfo {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]types.TopicInfo, 0, len(c.topics))
	for _, entry := range c.topics {
		out = append(out, entry.info)
	}
	return out
}

// Bind joins a topic whose name (and possibly discovery key) was
// announced by a peer. The resolved log's discovery key must match the
// caller's expectation when one is supplied.
func (c *Cell) Bind(ctx context.Context, name, expectedDiscoveryKey string) (*types.TopicInfo, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	cat, sourceID, targetID, err := ParseTopic(name)
	if err != nil {
		return nil, err
	}

	entry, err := c.getOrCreateTopic(ctx, cat, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	if expectedDiscoveryKey != "" && entry.info.DiscoveryKey != expectedDiscoveryKey {
		return nil, fmt.Errorf("%w: topic %q", types.ErrKeyMismatch, name)
	}

	if err = entry.log.JoinSwarm(ctx); err != nil {
		logs.Warning.Printf("cell: swarm join for %q failed: %v", name, err)
	}

	info := entry.info
	return &info, nil
}

// sweepExpiredTopics drops registry entries older than the configured
// TTL. The backing log is untouched; the entry is recreated
// transparently on next access.
func (c *Cell) sweepExpiredTopics(now time.Time) {
	if !c.registryGuard.TryLock() {
		return
	}
	defer c.registryGuard.Unlock()

	cutoff := now.Add(-c.cfg.CoreExpiration)

	c.lock.Lock()
	defer c.lock.Unlock()
	for name, entry := range c.topics {
		if entry.info.CreatedAt.Before(cutoff) {
			delete(c.topics, name)
			logs.Info.Printf("cell: registry entry %q expired", name)
		}
	}
}

// topicCounts tallies registered topics by class.
func (c *Cell) topicCounts() map[string]int {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make(map[string]int)
	for _, entry := range c.topics {
		out[entry.info.Cat.String()]++
	}
	return out
}

/******************************************************************************
 *
 *  Description :
 *    The peer trust and discovery cache: a fast in-memory tier over
 *    the cell's persistent peercache log. Trust levels gate inbox
 *    writes and introductions; records are never hard-deleted.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/logs"
)

const (
	peerKeyPrefix   = "peer:"
	lookupKeyPrefix = "lookup:"
)

// peerCacheRecord is the stored representation of one peercache entry.
type peerCacheRecord struct {
	Key    string            `json:"key"`
	Record *types.PeerRecord `json:"record,omitempty"`
	Asked  string            `json:"asked,omitempty"`
	TS     time.Time         `json:"ts"`
}

// RegisterPeer adds a newly discovered peer to the cache and persists
// it. An existing record is refreshed, not replaced: trust level and
// history survive re-discovery.
func (c *Cell) RegisterPeer(ctx context.Context, peer *types.PeerRecord) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if peer == nil || peer.UUID == "" || peer.PublicKey == "" {
		return fmt.Errorf("%w: peer record requires uuid and public key", types.ErrValidation)
	}

	now := time.Now().UTC()

	c.lock.Lock()
	existing, known := c.peers[peer.UUID]
	var rec *types.PeerRecord
	if known {
		rec = existing
		rec.PublicKey = peer.PublicKey
		if peer.InboxDiscoveryKey != "" {
			rec.InboxDiscoveryKey = peer.InboxDiscoveryKey
		}
		if len(peer.Capabilities) > 0 {
			rec.Capabilities = append([]string(nil), peer.Capabilities...)
		}
		rec.LastSeen = now
		rec.History = append(rec.History, types.ConnectionEvent{Timestamp: now, Event: "rediscovered"})
	} else {
		rec = peer.Clone()
		if rec.TrustLevel == "" {
			rec.TrustLevel = types.TrustLevelUnknown
		}
		if rec.Relationship == "" {
			rec.Relationship = types.RelationshipPending
		}
		rec.LastSeen = now
		rec.History = append(rec.History, types.ConnectionEvent{Timestamp: now, Event: "discovered"})
		c.peers[rec.UUID] = rec
	}
	if rec.TrustLevel == types.TrustLevelTrusted {
		c.trusted[rec.UUID] = true
	}
	stored := rec.Clone()
	c.lock.Unlock()

	return c.persistPeer(ctx, stored)
}

// LookupPeer checks the in-memory tier, falls back to the peercache
// log, and on a full miss fires a broadcast lookup before reporting
// ErrNotFound. The broadcast is fire-and-forget; responses arrive
// through RegisterPeer when swarm wiring delivers them.
func (c *Cell) LookupPeer(ctx context.Context, peerID string) (*types.PeerRecord, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	if rec, ok := c.peers[peerID]; ok {
		cp := rec.Clone()
		c.lock.Unlock()
		return cp, nil
	}
	c.lock.Unlock()

	rec, err := c.loadPeer(ctx, peerID)
	if err == nil {
		c.lock.Lock()
		if _, ok := c.peers[peerID]; !ok {
			c.peers[peerID] = rec.Clone()
			if rec.TrustLevel == types.TrustLevelTrusted {
				c.trusted[peerID] = true
			}
		}
		c.lock.Unlock()
		return rec, nil
	}

	c.schedule(func() { c.broadcastLookup(peerID) })
	return nil, fmt.Errorf("%w: peer %s", types.ErrNotFound, peerID)
}

// UpdatePeerTrust mutates a known peer's trust level, appends to its
// history and resynchronizes the trusted set.
func (c *Cell) UpdatePeerTrust(ctx context.Context, peerID string, level types.TrustLevel) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if !level.IsValid() {
		return fmt.Errorf("%w: trust level %q", types.ErrValidation, level)
	}

	c.lock.Lock()
	rec, ok := c.peers[peerID]
	if !ok {
		c.lock.Unlock()
		// Second tier before giving up.
		loaded, err := c.loadPeer(ctx, peerID)
		if err != nil {
			return fmt.Errorf("%w: peer %s", types.ErrNotFound, peerID)
		}
		c.lock.Lock()
		if rec, ok = c.peers[peerID]; !ok {
			rec = loaded
			c.peers[peerID] = rec
		}
	}

	prev := rec.TrustLevel
	rec.TrustLevel = level
	rec.History = append(rec.History, types.ConnectionEvent{
		Timestamp: time.Now().UTC(),
		Event:     "trust-update",
		Detail:    string(prev) + " -> " + string(level),
	})
	if level == types.TrustLevelBlocked {
		rec.Relationship = types.RelationshipDisconnected
	}
	if level == types.TrustLevelTrusted {
		c.trusted[peerID] = true
	} else {
		delete(c.trusted, peerID)
	}
	stored := rec.Clone()
	c.lock.Unlock()

	return c.persistPeer(ctx, stored)
}

// GrantInboxAccess adds or removes a peer from the trusted set.
// Idempotent; the transition is journaled as a handshake record.
func (c *Cell) GrantInboxAccess(requesterID string, granted bool) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if requesterID == "" {
		return fmt.Errorf("%w: empty requester id", types.ErrValidation)
	}

	c.lock.Lock()
	if granted {
		c.trusted[requesterID] = true
	} else {
		delete(c.trusted, requesterID)
	}
	c.lock.Unlock()

	c.schedule(func() {
		c.logHandshakeRecord(requesterID, "access-grant", granted, nil)
	})
	return nil
}

// Introduce produces a signed introduction of targetID for
// requesterID. Both parties must already be trusted.
func (c *Cell) Introduce(ctx context.Context, requesterID, targetID string) (*types.Introduction, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	if !c.isTrusted(requesterID) || !c.isTrusted(targetID) {
		c.schedule(func() {
			c.logHandshakeRecord(targetID, "introduction", false, nil)
		})
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrUntrustedIntro, requesterID, targetID)
	}

	target, err := c.LookupPeer(ctx, targetID)
	if err != nil {
		return nil, err
	}

	intro := &types.Introduction{
		RequesterID:       requesterID,
		TargetUUID:        target.UUID,
		TargetPublicKey:   target.PublicKey,
		InboxDiscoveryKey: target.InboxDiscoveryKey,
		Capabilities:      target.Capabilities,
		Timestamp:         time.Now().UTC(),
	}
	raw, err := json.Marshal(intro)
	if err != nil {
		return nil, err
	}
	if intro.Signature, err = c.ident.Sign(raw); err != nil {
		return nil, err
	}

	// Best-effort delivery of the introduction to the requester's inbox.
	body, _ := json.Marshal(intro)
	note := &inboxNote{
		Kind:      "introduction",
		From:      c.ident.ID(),
		Body:      body,
		Timestamp: intro.Timestamp,
	}
	c.schedule(func() {
		if nerr := c.pushInboxNote(context.Background(), requesterID, note); nerr != nil {
			logs.Warning.Printf("cell: introduction delivery to %s failed: %v", requesterID, nerr)
		}
		c.logHandshakeRecord(targetID, "introduction", true, target.Capabilities)
	})

	return intro, nil
}

// SendInboxNotification signs a notification and appends it to the
// target's inbox channel. The target must be in the trusted set.
func (c *Cell) SendInboxNotification(ctx context.Context, targetID string, body []byte) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if !c.isTrusted(targetID) {
		return fmt.Errorf("%w: %s is not trusted", types.ErrAccessDenied, targetID)
	}

	note := &inboxNote{
		Kind:      "notification",
		From:      c.ident.ID(),
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	return c.pushInboxNote(ctx, targetID, note)
}

// pushInboxNote resolves the target's inbox topic and appends a signed
// note. The inbox is single-writer by access rule; this cell writes
// under a delegated grant arranged out of band.
func (c *Cell) pushInboxNote(ctx context.Context, targetID string, note *inboxNote) error {
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatInbox, targetID, "")
	if err != nil {
		return err
	}

	unsigned, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if note.Signature, err = c.ident.Sign(unsigned); err != nil {
		return err
	}
	rec, err := json.Marshal(note)
	if err != nil {
		return err
	}

	_, err = entry.log.Append(ctx, rec)
	return err
}

// TrustedPeers returns the ids currently allowed inbox writes.
func (c *Cell) TrustedPeers() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]string, 0, len(c.trusted))
	for id := range c.trusted {
		out = append(out, id)
	}
	return out
}

func (c *Cell) isTrusted(peerID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.trusted[peerID]
}

// persistPeer appends the current state of a record to the peercache
// log keyed peer:<uuid>. The latest record for a key wins on replay.
func (c *Cell) persistPeer(ctx context.Context, rec *types.PeerRecord) error {
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatPeerCache, c.ident.ID(), "")
	if err != nil {
		return err
	}

	stored, err := json.Marshal(&peerCacheRecord{
		Key:    peerKeyPrefix + rec.UUID,
		Record: rec,
		TS:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = entry.log.Append(ctx, stored)
	return err
}

// loadPeer replays the peercache log for the latest record of a peer.
func (c *Cell) loadPeer(ctx context.Context, peerID string) (*types.PeerRecord, error) {
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatPeerCache, c.ident.ID(), "")
	if err != nil {
		return nil, err
	}

	want := peerKeyPrefix + peerID
	for i := entry.log.Length() - 1; i >= 0; i-- {
		raw, gerr := entry.log.Get(ctx, i)
		if gerr != nil {
			continue
		}
		var stored peerCacheRecord
		if json.Unmarshal(raw, &stored) != nil || stored.Key != want || stored.Record == nil {
			continue
		}
		return stored.Record, nil
	}
	return nil, types.ErrNotFound
}

// broadcastLookup appends a fire-and-forget lookup marker. Swarm
// wiring outside this engine picks it up and answers via RegisterPeer.
func (c *Cell) broadcastLookup(peerID string) {
	ctx := context.Background()
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatPeerCache, c.ident.ID(), "")
	if err != nil {
		logs.Warning.Printf("cell: broadcast lookup for %s failed: %v", peerID, err)
		return
	}

	rec, _ := json.Marshal(&peerCacheRecord{
		Key:   lookupKeyPrefix + peerID,
		Asked: peerID,
		TS:    time.Now().UTC(),
	})
	if _, err = entry.log.Append(ctx, rec); err != nil {
		logs.Warning.Printf("cell: broadcast lookup for %s failed: %v", peerID, err)
	}
}

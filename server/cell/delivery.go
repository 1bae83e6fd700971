/******************************************************************************
 *
 *  Description :
 *    The delivery engine. A send attempt either lands in the target's
 *    direct log ("Sent") or falls into the offline queue ("Queued");
 *    queued messages are retried by the sweep until delivered or
 *    abandoned. Receiving reads a topic's log and treats envelopes
 *    that fail to decrypt as opaque data, not errors.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/identity"
	"github.com/cellmesh/cell/server/logs"
)

// Send encrypts plaintext for the target cell and appends it to the
// direct topic this cell writes toward the target. On a transient
// failure the message is queued for redelivery and the original error
// is returned: the caller learns the first attempt failed, retries are
// invisible to it.
func (c *Cell) Send(ctx context.Context, targetID string, plaintext []byte, recipientPublicKey string) (*types.SendResult, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	// Validation failures never touch the offline queue.
	if targetID == "" {
		return nil, fmt.Errorf("%w: empty target id", types.ErrValidation)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty message", types.ErrValidation)
	}
	if err := identity.ValidatePublicKey(recipientPublicKey); err != nil {
		return nil, err
	}

	result, err := c.deliver(ctx, targetID, plaintext, recipientPublicKey)
	if err != nil {
		c.enqueueOffline(targetID, plaintext, recipientPublicKey)
		return nil, err
	}
	return result, nil
}

// deliver performs one delivery attempt: resolve the direct topic,
// seal, append, journal a receipt, and notify the target's inbox when
// trust allows. Shared by Send and the offline sweep.
func (c *Cell) deliver(ctx context.Context, targetID string, plaintext []byte, recipientPublicKey string) (*types.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	own := c.ident.ID()
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatDirect, own, targetID)
	if err != nil {
		return nil, err
	}

	payload := &types.Payload{
		From:      own,
		To:        targetID,
		Content:   plaintext,
		Timestamp: time.Now().UTC(),
		MessageID: c.uidGen.GetStr(),
	}

	env, err := c.sealEnvelope(payload, recipientPublicKey)
	if err != nil {
		return nil, err
	}
	rec, err := types.MarshalEnvelope(env)
	if err != nil {
		return nil, err
	}

	if _, err = entry.log.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("cell: append to %q: %w", entry.info.Name, err)
	}
	atomic.AddInt64(&c.delivered, 1)

	topicName := entry.info.Name
	content := payload.Content
	c.schedule(func() {
		c.logMessageReceipt(content, own, targetID, types.DirectionSent, topicName)
	})

	// Best-effort inbox ping, gated on the target's trust level.
	// Failure here never fails the send.
	if c.isTrusted(targetID) {
		note := inboxNote{
			Kind:      "message",
			From:      own,
			Topic:     topicName,
			MessageID: payload.MessageID,
			Timestamp: payload.Timestamp,
		}
		c.schedule(func() {
			if nerr := c.pushInboxNote(context.Background(), targetID, &note); nerr != nil {
				logs.Warning.Printf("cell: inbox ping for %s failed: %v", targetID, nerr)
			}
		})
	}

	return &types.SendResult{
		MessageID: payload.MessageID,
		Topic:     topicName,
		Timestamp: payload.Timestamp,
	}, nil
}

// Receive reads messages from a topic's backing log. Envelopes not
// addressed to this cell come back opaque with Encrypted still set;
// a signature mismatch on a decryptable envelope aborts the read.
func (c *Cell) Receive(ctx context.Context, topicName string, since time.Time, limit int) ([]types.MessageView, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	cat, sourceID, targetID, err := ParseTopic(topicName)
	if err != nil {
		return nil, err
	}
	entry, err := c.getOrCreateTopic(ctx, cat, sourceID, targetID)
	if err != nil {
		return nil, err
	}

	own := c.ident.ID()
	length := entry.log.Length()
	views := make([]types.MessageView, 0, length)

	for i := 0; i < length; i++ {
		rec, gerr := entry.log.Get(ctx, i)
		if gerr != nil {
			return nil, fmt.Errorf("cell: reading %q at %d: %w", topicName, i, gerr)
		}

		env, perr := types.UnmarshalEnvelope(rec)
		if perr != nil {
			// Not an envelope. Other record kinds live in their own
			// topic classes; skip quietly.
			continue
		}
		if !since.IsZero() && !env.Timestamp.After(since) {
			continue
		}

		payload, oerr := c.openEnvelope(env)
		switch {
		case oerr == nil:
			views = append(views, types.MessageView{
				SeqID:     i,
				MessageID: payload.MessageID,
				From:      payload.From,
				To:        payload.To,
				Content:   payload.Content,
				Timestamp: payload.Timestamp,
			})
			if payload.From != own {
				content, from, to := payload.Content, payload.From, payload.To
				c.schedule(func() {
					c.logMessageReceipt(content, from, to, types.DirectionReceived, topicName)
				})
			}
		case errors.Is(oerr, types.ErrDecryption):
			views = append(views, types.MessageView{
				SeqID:     i,
				MessageID: env.MessageID,
				Timestamp: env.Timestamp,
				Encrypted: true,
			})
		default:
			return nil, oerr
		}
	}

	if limit > 0 && len(views) > limit {
		views = views[len(views)-limit:]
	}
	return views, nil
}

// inboxNote is the best-effort notification appended to a peer inbox.
type inboxNote struct {
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	Topic     string          `json:"topic,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Signature []byte          `json:"sig,omitempty"`
}

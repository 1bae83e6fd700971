/******************************************************************************
 *
 *  Description :
 *    The journal receipt log: signed, hash-only records of message
 *    exchange, handshakes and key rotations, appended to the cell's
 *    world-readable journal topic. Journal writes are advisory; their
 *    failures are logged and swallowed, never propagated.
 *
 *****************************************************************************/
package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/identity"
	"github.com/cellmesh/cell/server/logs"
)

// JournalRecord wraps one of the three receipt kinds for storage.
type JournalRecord struct {
	Kind      string                 `json:"kind"`
	Message   *types.MessageReceipt  `json:"message,omitempty"`
	Handshake *types.HandshakeRecord `json:"handshake,omitempty"`
	Rotation  *types.KeyRotation     `json:"rotation,omitempty"`
}

// logMessageReceipt journals a hashed record of one sent or received
// message. Never fails the calling operation.
func (c *Cell) logMessageReceipt(plaintext []byte, senderID, receiverID string, direction types.MessageDirection, topicName string) {
	receipt := &types.MessageReceipt{
		ReceiptID:       uuid.NewString(),
		MessageHash:     types.HashContent(plaintext),
		ParticipantHash: types.HashParticipants(senderID, receiverID),
		Direction:       direction,
		TopicHash:       types.HashTopic(topicName),
		Timestamp:       time.Now().UTC(),
	}

	sig, err := c.ident.Sign(messageReceiptDigest(receipt))
	if err != nil {
		logs.Warning.Printf("cell: receipt signing failed: %v", err)
		return
	}
	receipt.Signature = sig

	c.appendJournal(&JournalRecord{Kind: "message", Message: receipt})
}

// logHandshakeRecord journals a trust transition with a peer. The peer
// appears only as a hash against this cell's id.
func (c *Cell) logHandshakeRecord(peerID, handshakeType string, success bool, capabilities []string) {
	rec := &types.HandshakeRecord{
		HandshakeID:   uuid.NewString(),
		PeerHash:      types.HashParticipants(c.ident.ID(), peerID),
		HandshakeType: handshakeType,
		Success:       success,
		Capabilities:  capabilities,
		Timestamp:     time.Now().UTC(),
	}

	sig, err := c.ident.Sign(handshakeDigest(rec))
	if err != nil {
		logs.Warning.Printf("cell: handshake record signing failed: %v", err)
		return
	}
	rec.Signature = sig

	c.appendJournal(&JournalRecord{Kind: "handshake", Handshake: rec})
}

// RotateKeys rotates the cell's encryption key pair and journals the
// transition. Fails if the identity provider cannot rotate.
func (c *Cell) RotateKeys(reason string) error {
	if err := c.ensureReady(); err != nil {
		return err
	}

	rot, ok := c.ident.(identity.Rotator)
	if !ok {
		return fmt.Errorf("%w: identity provider cannot rotate keys", types.ErrUnsupported)
	}
	oldHash, newHash, err := rot.Rotate(reason)
	if err != nil {
		return err
	}

	rec := &types.KeyRotation{
		RotationID: uuid.NewString(),
		OldKeyHash: oldHash,
		NewKeyHash: newHash,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if rec.Signature, err = c.ident.Sign(rotationDigest(rec)); err != nil {
		logs.Warning.Printf("cell: rotation record signing failed: %v", err)
		return nil
	}

	c.appendJournal(&JournalRecord{Kind: "rotation", Rotation: rec})
	return nil
}

// appendJournal writes a record to the cell's own journal topic.
// Best-effort by design.
func (c *Cell) appendJournal(rec *JournalRecord) {
	ctx := context.Background()
	entry, err := c.getOrCreateTopic(ctx, types.TopicCatJournal, c.ident.ID(), "")
	if err != nil {
		logs.Warning.Printf("cell: journal topic unavailable: %v", err)
		return
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		logs.Warning.Printf("cell: journal record marshal: %v", err)
		return
	}
	if _, err = entry.log.Append(ctx, raw); err != nil {
		logs.Warning.Printf("cell: journal append failed: %v", err)
		return
	}
	atomic.AddInt64(&c.receipts, 1)
}

// ReadJournal returns up to limit journal records, oldest first.
func (c *Cell) ReadJournal(ctx context.Context, limit int) ([]JournalRecord, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	entry, err := c.getOrCreateTopic(ctx, types.TopicCatJournal, c.ident.ID(), "")
	if err != nil {
		return nil, err
	}

	length := entry.log.Length()
	out := make([]JournalRecord, 0, length)
	for i := 0; i < length; i++ {
		raw, gerr := entry.log.Get(ctx, i)
		if gerr != nil {
			return nil, gerr
		}
		var rec JournalRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// VerifyParticipation recomputes a message receipt's hashes from the
// claimed inputs. Only public data is needed, so the counterparty or a
// third party can check a receipt's internal consistency. Signature
// verification against the claimed signer is reported separately.
func VerifyParticipation(receipt *types.MessageReceipt, plaintext []byte, senderID, receiverID, topicName, signerPublicKey string) (*types.ParticipationProof, error) {
	if receipt == nil {
		return nil, errors.New("VerifyParticipation: nil receipt")
	}

	details := types.ParticipationDetails{
		MessageHashMatches:     receipt.MessageHash == types.HashContent(plaintext),
		ParticipantHashMatches: receipt.ParticipantHash == types.HashParticipants(senderID, receiverID),
		TopicHashMatches:       receipt.TopicHash == types.HashTopic(topicName),
	}
	if signerPublicKey != "" {
		details.SignatureValid = identity.VerifySignature(messageReceiptDigest(receipt), receipt.Signature, signerPublicKey)
	}

	return &types.ParticipationProof{
		Valid:   details.MessageHashMatches && details.ParticipantHashMatches && details.TopicHashMatches,
		Details: details,
	}, nil
}

// messageReceiptDigest is the canonical byte string a receipt
// signature covers. Field order is fixed; timestamps are unix nanos.
func messageReceiptDigest(r *types.MessageReceipt) []byte {
	return []byte("receipt\x00" + r.ReceiptID +
		"\x00" + r.MessageHash +
		"\x00" + r.ParticipantHash +
		"\x00" + string(r.Direction) +
		"\x00" + r.TopicHash +
		"\x00" + strconv.FormatInt(r.Timestamp.UnixNano(), 10))
}

func handshakeDigest(r *types.HandshakeRecord) []byte {
	return []byte("handshake\x00" + r.HandshakeID +
		"\x00" + r.PeerHash +
		"\x00" + r.HandshakeType +
		"\x00" + strconv.FormatBool(r.Success) +
		"\x00" + strconv.FormatInt(r.Timestamp.UnixNano(), 10))
}

func rotationDigest(r *types.KeyRotation) []byte {
	return []byte("rotation\x00" + r.RotationID +
		"\x00" + r.OldKeyHash +
		"\x00" + r.NewKeyHash +
		"\x00" + r.Reason +
		"\x00" + strconv.FormatInt(r.Timestamp.UnixNano(), 10))
}

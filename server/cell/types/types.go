// Package types defines the data model shared by the cell protocol engine
// and its collaborators: topics, envelopes, peer records, journal receipts.
package types

import (
	"encoding/json"
	"errors"
	"time"
)

// TopicCat is the class of a logical channel.
type TopicCat int

const (
	// TopicCatDirect is a one-way encrypted channel from one cell to another.
	TopicCatDirect TopicCat = iota
	// TopicCatInbox is a cell's notification channel, written by peers with a grant.
	TopicCatInbox
	// TopicCatPeerCache is a cell's persistent peer key/value log.
	TopicCatPeerCache
	// TopicCatJournal is a cell's public audit log of hashed receipts.
	TopicCatJournal
	// TopicCatInvalid marks an unparseable topic class.
	TopicCatInvalid TopicCat = -1
)

var topicCatNames = map[TopicCat]string{
	TopicCatDirect:    "direct",
	TopicCatInbox:     "inbox",
	TopicCatPeerCache: "peercache",
	TopicCatJournal:   "journal",
}

func (tc TopicCat) String() string {
	if name, ok := topicCatNames[tc]; ok {
		return name
	}
	return "invalid"
}

// ParseTopicCat maps a class name to its TopicCat. Unknown names parse
// to TopicCatInvalid rather than an error: the caller decides severity.
func ParseTopicCat(s string) TopicCat {
	for cat, name := range topicCatNames {
		if name == s {
			return cat
		}
	}
	return TopicCatInvalid
}

// AccessRule describes who may read and write a topic's backing log.
// Derived entirely from the topic class; never stored per-subscriber.
type AccessRule struct {
	Writers []string `json:"writers"`
	Readers []string `json:"readers,omitempty"`
	// Everyone overrides Readers: the log is world-readable (journal).
	Everyone bool `json:"everyone,omitempty"`
	// Encrypted is true when payloads in this topic must be sealed.
	Encrypted bool `json:"encrypted,omitempty"`
}

// CanWrite reports whether the given cell id may append to the topic.
func (ar *AccessRule) CanWrite(id string) bool {
	for _, w := range ar.Writers {
		if w == id {
			return true
		}
	}
	return false
}

// CanRead reports whether the given cell id may read the topic.
func (ar *AccessRule) CanRead(id string) bool {
	if ar.Everyone {
		return true
	}
	for _, r := range ar.Readers {
		if r == id {
			return true
		}
	}
	return false
}

// TopicInfo is one entry in the in-memory topic registry.
type TopicInfo struct {
	Name     string     `json:"name"`
	Cat      TopicCat   `json:"cat"`
	SourceID string     `json:"source_id"`
	TargetID string     `json:"target_id,omitempty"`
	Access   AccessRule `json:"access"`
	// DiscoveryKey of the backing log, opaque to the engine.
	DiscoveryKey string    `json:"discovery_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// Payload is the inner plaintext unit sealed into an Envelope.
// Content is opaque at this layer; higher layers impose structure.
type Payload struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   []byte    `json:"content"`
	Timestamp time.Time `json:"ts"`
	MessageID string    `json:"id"`
}

// SealedBlob is the output of the identity provider's SealFor: an
// authenticated ciphertext plus a detached signature over it.
type SealedBlob struct {
	Ciphertext []byte `json:"ct"`
	Nonce      []byte `json:"n"`
	Signature  []byte `json:"sig"`
}

// Envelope is the unit appended to a direct topic's log. It is
// syntactically valid even when the local cell cannot decrypt it.
type Envelope struct {
	SenderPublicKey string      `json:"sender_key"`
	Timestamp       time.Time   `json:"ts"`
	MessageID       string      `json:"id"`
	Sealed          *SealedBlob `json:"sealed"`
}

// MessageView is one entry of a Receive result. Entries that failed to
// decrypt carry no content and Encrypted remains true.
type MessageView struct {
	SeqID     int       `json:"seq"`
	MessageID string    `json:"id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Content   []byte    `json:"content,omitempty"`
	Timestamp time.Time `json:"ts"`
	Encrypted bool      `json:"encrypted"`
}

// SendResult is returned to the caller of a successful Send.
type SendResult struct {
	MessageID string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"ts"`
}

// TrustLevel gates inbox writes and introductions.
type TrustLevel string

const (
	TrustLevelTrusted TrustLevel = "trusted"
	TrustLevelUnknown TrustLevel = "unknown"
	TrustLevelBlocked TrustLevel = "blocked"
)

// IsValid reports whether the value is one of the defined levels.
func (tl TrustLevel) IsValid() bool {
	switch tl {
	case TrustLevelTrusted, TrustLevelUnknown, TrustLevelBlocked:
		return true
	}
	return false
}

// RelationshipStatus tracks the connection state with a peer.
type RelationshipStatus string

const (
	RelationshipConnected    RelationshipStatus = "connected"
	RelationshipPending      RelationshipStatus = "pending"
	RelationshipDisconnected RelationshipStatus = "disconnected"
)

// ConnectionEvent is one entry of a peer's relationship history.
type ConnectionEvent struct {
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// PeerRecord is one entry of the peer trust and discovery cache.
// Records are never hard-deleted, only marked blocked or disconnected.
type PeerRecord struct {
	UUID              string             `json:"uuid"`
	PublicKey         string             `json:"public_key"`
	InboxDiscoveryKey string             `json:"inbox_discovery_key,omitempty"`
	Capabilities      []string           `json:"capabilities,omitempty"`
	TrustLevel        TrustLevel         `json:"trust_level"`
	Relationship      RelationshipStatus `json:"relationship"`
	LastSeen          time.Time          `json:"last_seen"`
	History           []ConnectionEvent  `json:"history,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (pr *PeerRecord) Clone() *PeerRecord {
	if pr == nil {
		return nil
	}
	out := *pr
	out.Capabilities = append([]string(nil), pr.Capabilities...)
	out.History = append([]ConnectionEvent(nil), pr.History...)
	return &out
}

// OfflineEntry is one queued message awaiting redelivery.
type OfflineEntry struct {
	TargetID           string    `json:"target_id"`
	Plaintext          []byte    `json:"plaintext"`
	RecipientPublicKey string    `json:"recipient_key"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
	RetryCount         int       `json:"retry_count"`
}

// MessageDirection distinguishes sent from received receipts.
type MessageDirection string

const (
	DirectionSent     MessageDirection = "sent"
	DirectionReceived MessageDirection = "received"
)

// MessageReceipt is a hash-only proof that a message passed through
// this cell. It never carries plaintext.
type MessageReceipt struct {
	ReceiptID       string           `json:"receipt_id"`
	MessageHash     string           `json:"message_hash"`
	ParticipantHash string           `json:"participant_hash"`
	Direction       MessageDirection `json:"direction"`
	TopicHash       string           `json:"topic_hash"`
	Timestamp       time.Time        `json:"ts"`
	Signature       []byte           `json:"sig,omitempty"`
}

// HandshakeRecord journals a trust transition with a peer.
type HandshakeRecord struct {
	HandshakeID   string    `json:"handshake_id"`
	PeerHash      string    `json:"peer_hash"`
	HandshakeType string    `json:"handshake_type"`
	Success       bool      `json:"success"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Timestamp     time.Time `json:"ts"`
	Signature     []byte    `json:"sig,omitempty"`
}

// KeyRotation journals a change of the cell's encryption key pair.
type KeyRotation struct {
	RotationID string    `json:"rotation_id"`
	OldKeyHash string    `json:"old_key_hash"`
	NewKeyHash string    `json:"new_key_hash"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"ts"`
	Signature  []byte    `json:"sig,omitempty"`
}

// ParticipationDetails itemizes the checks of VerifyParticipation.
type ParticipationDetails struct {
	MessageHashMatches     bool `json:"message_hash_matches"`
	ParticipantHashMatches bool `json:"participant_hash_matches"`
	TopicHashMatches       bool `json:"topic_hash_matches"`
	SignatureValid         bool `json:"signature_valid"`
}

// ParticipationProof is the result of verifying a message receipt.
type ParticipationProof struct {
	Valid   bool                 `json:"valid"`
	Details ParticipationDetails `json:"details"`
}

// Introduction is the signed record produced when one trusted peer is
// introduced to another. Only public identity fields of the target are
// included.
type Introduction struct {
	RequesterID       string    `json:"requester_id"`
	TargetUUID        string    `json:"target_uuid"`
	TargetPublicKey   string    `json:"target_public_key"`
	InboxDiscoveryKey string    `json:"inbox_discovery_key,omitempty"`
	Capabilities      []string  `json:"capabilities,omitempty"`
	Timestamp         time.Time `json:"ts"`
	Signature         []byte    `json:"sig,omitempty"`
}

// HealthSnapshot is the engine's health/metrics surface.
type HealthSnapshot struct {
	CellID            string         `json:"cell_id"`
	Ready             bool           `json:"ready"`
	TopicsByClass     map[string]int `json:"topics_by_class"`
	OfflineQueueDepth int            `json:"offline_queue_depth"`
	AbandonedMessages int64          `json:"abandoned_messages"`
	DeliveredMessages int64          `json:"delivered_messages"`
	JournalReceipts   int64          `json:"journal_receipts"`
}

// MarshalEnvelope serializes an envelope for the log.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if env == nil || env.Sealed == nil {
		return nil, errors.New("MarshalEnvelope: incomplete envelope")
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope parses a log record into an envelope. A record that
// does not carry a sealed blob is not an envelope.
func UnmarshalEnvelope(rec []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(rec, &env); err != nil {
		return nil, err
	}
	if env.Sealed == nil {
		return nil, errors.New("UnmarshalEnvelope: missing sealed blob")
	}
	return &env, nil
}

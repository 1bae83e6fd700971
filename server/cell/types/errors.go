package types

// ProtoError is a stable protocol-level error category. Callers branch
// with errors.Is against the sentinels below, never on message text.
type ProtoError string

func (e ProtoError) Error() string {
	return string(e)
}

const (
	// ErrValidation: bad caller input. Never retried, never queued.
	ErrValidation = ProtoError("validation failed")
	// ErrInvalidTopic: malformed topic name or class/participant mismatch.
	ErrInvalidTopic = ProtoError("invalid topic")
	// ErrKeyMismatch: a bound log's discovery key does not match the expectation.
	ErrKeyMismatch = ProtoError("discovery key mismatch")
	// ErrDecryption: the envelope is not addressed to this cell. Expected, non-fatal.
	ErrDecryption = ProtoError("not addressed to this cell")
	// ErrIntegrity: signature mismatch on decryptable data. Always surfaced.
	ErrIntegrity = ProtoError("integrity check failed")
	// ErrAccessDenied: the operation violates the topic's access rule or trust gate.
	ErrAccessDenied = ProtoError("access denied")
	// ErrUntrustedIntro: an introduction was requested between non-trusted parties.
	ErrUntrustedIntro = ProtoError("introduction requires mutual trust")
	// ErrNotFound: unknown topic or peer.
	ErrNotFound = ProtoError("not found")
	// ErrNotInitialized: the engine has not reached the Ready state.
	ErrNotInitialized = ProtoError("cell not initialized")
	// ErrUnsupported: the adapter or provider does not implement the operation.
	ErrUnsupported = ProtoError("unsupported")
)

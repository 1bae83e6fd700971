/******************************************************************************
 *
 *  Description :
 *    Envelope construction and parsing. The codec never touches raw
 *    key material: sealing and opening are delegated to the identity
 *    provider in one bundled call each way.
 *
 *****************************************************************************/
package cell

import (
	"encoding/json"
	"fmt"

	"github.com/cellmesh/cell/server/cell/types"
)

// sealEnvelope wraps a payload into the on-log envelope for the given
// recipient.
func (c *Cell) sealEnvelope(payload *types.Payload, recipientPublicKey string) (*types.Envelope, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cell: payload marshal: %w", err)
	}

	blob, err := c.ident.SealFor(recipientPublicKey, plain)
	if err != nil {
		return nil, err
	}

	return &types.Envelope{
		SenderPublicKey: c.ident.PublicKey(),
		Timestamp:       payload.Timestamp,
		MessageID:       payload.MessageID,
		Sealed:          blob,
	}, nil
}

// openEnvelope attempts to decrypt an envelope addressed to this cell.
// ErrDecryption ("not for me") and ErrIntegrity pass through from the
// identity provider; the caller decides which are fatal.
func (c *Cell) openEnvelope(env *types.Envelope) (*types.Payload, error) {
	plain, err := c.ident.OpenFrom(env.SenderPublicKey, env.Sealed)
	if err != nil {
		return nil, err
	}

	var payload types.Payload
	if err = json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("%w: envelope payload damaged", types.ErrIntegrity)
	}
	return &payload, nil
}

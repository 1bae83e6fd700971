package types

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// UidGenerator produces unique message and receipt ids: snowflake
// sequence numbers weakly encrypted with XTEA so ids are random-looking
// but still unique per worker. Ordering within a sender comes from the
// envelope timestamp and log index, not from the id itself.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the generator. Idempotent: an already initialised
// sequence or cipher is kept.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	var err error

	if ug.seq == nil {
		ug.seq, err = sf.NewSnowFlake(uint32(workerID))
		if err != nil {
			return err
		}
	}
	if ug.cipher == nil {
		ug.cipher, err = xtea.NewCipher(key)
	}

	return err
}

// GetStr returns the next unique id as an unpadded base64 string, or
// the empty string if the generator is not initialised.
func (ug *UidGenerator) GetStr() string {
	buf, err := ug.nextBuffer()
	if err != nil {
		return ""
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf)
}

func (ug *UidGenerator) nextBuffer() ([]byte, error) {
	if ug.seq == nil || ug.cipher == nil {
		return nil, ErrNotInitialized
	}

	id, err := ug.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return dst, nil
}

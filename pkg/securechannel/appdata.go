package securechannel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/backkem/peerauth/pkg/crypto"
)

// Directional key derivation labels.
var (
	i2rKeyInfo = []byte("i2r")
	r2iKeyInfo = []byte("r2i")
)

// appDataOverhead is the nonce plus AEAD tag carried by every AppData body.
const appDataOverhead = crypto.NonceSize + crypto.TagSize

// counterOffset is where the 8-byte counter sits in the 12-byte nonce.
const counterOffset = crypto.NonceSize - 8

// appDataChannel protects application payloads with per-direction keys and
// counter nonces. The receiver only accepts strictly increasing counters.
type appDataChannel struct {
	provider crypto.Provider
	sendKey  []byte
	recvKey  []byte
	sendCtr  uint64
	recvCtr  uint64
}

func newAppDataChannel(provider crypto.Provider, key SessionKey, role Role) (*appDataChannel, error) {
	i2r, err := crypto.HKDFSHA256(key[:], nil, i2rKeyInfo, crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	r2i, err := crypto.HKDFSHA256(key[:], nil, r2iKeyInfo, crypto.SymmetricKeySize)
	if err != nil {
		crypto.Zeroize(i2r)
		return nil, err
	}
	c := &appDataChannel{provider: provider}
	if role == RoleInitiator {
		c.sendKey, c.recvKey = i2r, r2i
	} else {
		c.sendKey, c.recvKey = r2i, i2r
	}
	return c, nil
}

func counterNonce(ctr uint64) []byte {
	nonce := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint64(nonce[counterOffset:], ctr)
	return nonce
}

// seal encrypts payload and returns nonce || ciphertext.
func (c *appDataChannel) seal(payload []byte) ([]byte, error) {
	if c.sendCtr == math.MaxUint64 {
		return nil, fmt.Errorf("%w: send counter exhausted", ErrReplay)
	}
	c.sendCtr++
	nonce := counterNonce(c.sendCtr)
	ct, err := c.provider.Seal(c.sendKey, nonce, []byte{byte(MessageTypeAppData)}, payload)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// open checks the counter and decrypts a nonce || ciphertext body.
func (c *appDataChannel) open(body []byte) ([]byte, error) {
	nonce := body[:crypto.NonceSize]
	for _, b := range nonce[:counterOffset] {
		if b != 0 {
			return nil, fmt.Errorf("%w: nonce prefix", ErrDecryptFailed)
		}
	}
	ctr := binary.BigEndian.Uint64(nonce[counterOffset:])
	if ctr <= c.recvCtr {
		return nil, fmt.Errorf("%w: counter %d, last %d", ErrReplay, ctr, c.recvCtr)
	}
	pt, err := c.provider.Open(c.recvKey, nonce, []byte{byte(MessageTypeAppData)}, body[crypto.NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	c.recvCtr = ctr
	return pt, nil
}

func (c *appDataChannel) zeroize() {
	crypto.Zeroize(c.sendKey)
	crypto.Zeroize(c.recvKey)
	c.sendCtr = 0
	c.recvCtr = 0
}

package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockSize is the size of every frame on the wire. The peripheral speaks in
// exactly one AES block per command and per notification.
const BlockSize = 16

// KeySize is the AES-128 key length used by all known Battery Guard devices.
const KeySize = 16

// zeroIV is the initialization vector used for every block. The vendor
// protocol re-seeds the CBC chain to zero before each 16-byte block, so
// frames are encrypted independently rather than chained across writes.
var zeroIV [BlockSize]byte

// Cipher encrypts and decrypts single 16-byte frames with a per-device
// AES-128 key. It is stateless and safe for concurrent use.
type Cipher struct {
	block cipher.Block
}

// NewCipher creates a Cipher for the given 16-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("protocol: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("protocol: new cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// EncryptBlock encrypts one plaintext frame. The input is not modified.
func (c *Cipher) EncryptBlock(plaintext []byte) ([]byte, error) {
	if len(plaintext) != BlockSize {
		return nil, fmt.Errorf("protocol: plaintext must be %d bytes, got %d", BlockSize, len(plaintext))
	}
	out := make([]byte, BlockSize)
	iv := zeroIV
	cipher.NewCBCEncrypter(c.block, iv[:]).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptBlock decrypts one ciphertext frame. The input is not modified.
func (c *Cipher) DecryptBlock(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != BlockSize {
		return nil, fmt.Errorf("protocol: ciphertext must be %d bytes, got %d", BlockSize, len(ciphertext))
	}
	out := make([]byte, BlockSize)
	iv := zeroIV
	cipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(out, ciphertext)
	return out, nil
}

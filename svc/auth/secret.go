package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

var ErrDecryption = errors.New("decryption failed")

// Sealed is the output of Encrypt: ciphertext without its tag, plus the
// key, IV and GCM auth tag needed to reopen it.
type Sealed struct {
	Ciphertext []byte
	Key        []byte
	IV         []byte
	Auth       []byte
}

// Encrypt seals plaintext with AES-256-GCM. A random key is generated when key
// is nil; the IV is always fresh.
func Encrypt(plaintext string, key []byte) (*Sealed, error) {
	if key == nil {
		key = make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "generate key")
		}
	}
	if len(key) != keySize {
		return nil, errors.New("key must be 32 bytes")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	out := gcm.Seal(nil, iv, []byte(plaintext), nil)
	n := len(out) - tagSize
	return &Sealed{
		Ciphertext: out[:n],
		Key:        key,
		IV:         iv,
		Auth:       out[n:],
	}, nil
}

// Decrypt reverses Encrypt. Any malformed input or tag mismatch yields
// ErrDecryption.
func Decrypt(ciphertext, key, iv, auth []byte) (string, error) {
	if len(key) != keySize || len(iv) != ivSize || len(auth) != tagSize {
		return "", ErrDecryption
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", ErrDecryption
	}
	buf := make([]byte, 0, len(ciphertext)+len(auth))
	buf = append(buf, ciphertext...)
	buf = append(buf, auth...)
	plain, err := gcm.Open(nil, iv, buf, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	return gcm, nil
}

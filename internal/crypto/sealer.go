package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	MasterKeySize = 32
	nonceSize     = 12 // GCM standard nonce size

	keyInfoPrefix = "oneshot secret v1 "
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts secret content at rest. Each secret gets its own AES-256
// key derived from the master key and the secret ID, and the ID is bound as
// additional data so ciphertexts cannot be swapped between records.
type Sealer struct {
	masterKey []byte
}

func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Sealer{masterKey: key}, nil
}

// GenerateMasterKey returns a random key for deployments that did not
// configure one. Secrets sealed with it do not survive a restart.
func GenerateMasterKey() []byte {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return key
}

func (s *Sealer) Seal(id string, plaintext []byte) ([]byte, error) {
	gcm, err := s.aead(id)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

func (s *Sealer) Open(id string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	gcm, err := s.aead(id)
	if err != nil {
		return nil, err
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(id string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, s.masterKey, nil, []byte(keyInfoPrefix+id))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

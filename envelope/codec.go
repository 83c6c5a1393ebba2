// Package envelope seals private-room payloads with AES-256-GCM before
// they reach the message log, and opens them again on the way out.
// Plaintext for private rooms must never touch storage.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"chat-hub/domain"
	"chat-hub/errors"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Payload is the plaintext object sealed into an envelope.
type Payload struct {
	Content    string             `json:"content"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

// Codec holds the process-wide symmetric key. The key is derived once at
// startup from the configured secret and is never logged or transmitted.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives a 256-bit key from secret via HKDF-SHA256.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("envelope secret must not be empty")
	}
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("chat-hub/envelope"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts the payload under a fresh random nonce. Identical
// payloads therefore produce distinct ciphertexts.
func (c *Codec) Seal(p Payload) (domain.Envelope, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return domain.Envelope{}, err
	}
	return c.seal(plaintext)
}

func (c *Codec) seal(plaintext []byte) (domain.Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.Envelope{}, err
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return domain.Envelope{
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Tag:  base64.StdEncoding.EncodeToString(tag),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open authenticates and decrypts an envelope. A failed tag check, a
// malformed nonce, or undecodable fields all surface as ErrDecryptFailed;
// the caller must drop the message, never substitute empty content.
func (c *Codec) Open(env domain.Envelope) (Payload, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != nonceSize {
		return Payload{}, fmt.Errorf("%w: bad nonce", errors.ErrDecryptFailed)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return Payload{}, fmt.Errorf("%w: bad tag", errors.ErrDecryptFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: bad ciphertext", errors.ErrDecryptFailed)
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", errors.ErrDecryptFailed, err)
	}

	var p Payload
	if err = json.Unmarshal(plaintext, &p); err != nil {
		// Envelopes written before the payload became structured JSON
		// hold raw text; surface it as plain content.
		return Payload{Content: string(plaintext)}, nil
	}
	return p, nil
}

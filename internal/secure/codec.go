// Package secure is the optional message encryption collaborator. It wraps
// nacl/secretbox with per-conversation symmetric keys. Key management is
// external: chatd only consumes keys handed to it. Any failure degrades to
// passing the text through unchanged; encryption problems must never make
// a message unreadable or undeliverable.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required conversation key length in bytes.
const KeySize = 32

const nonceSize = 24

// Codec encrypts and decrypts message bodies with per-conversation keys.
type Codec struct {
	mu     sync.RWMutex
	keys   map[string]*[KeySize]byte
	logger *zap.Logger
}

// New creates a codec with no keys. Without a key for a conversation the
// codec is a pass-through.
func New(logger *zap.Logger) *Codec {
	return &Codec{
		keys:   make(map[string]*[KeySize]byte),
		logger: logger,
	}
}

// SetKey installs the symmetric key for a conversation. A key of the
// wrong length is rejected and the conversation stays plaintext.
func (c *Codec) SetKey(conversationID string, key []byte) bool {
	if len(key) != KeySize {
		c.logger.Warn("rejecting conversation key of wrong length",
			zap.String("conversation_id", conversationID),
			zap.Int("len", len(key)))
		return false
	}
	var k [KeySize]byte
	copy(k[:], key)
	c.mu.Lock()
	c.keys[conversationID] = &k
	c.mu.Unlock()
	return true
}

func (c *Codec) key(conversationID string) *[KeySize]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[conversationID]
}

// Encrypt seals plain text for a conversation. The wire form is
// base64(nonce || box). Returns the input unchanged when no key is set
// or the nonce cannot be generated.
func (c *Codec) Encrypt(conversationID, plain string) string {
	key := c.key(conversationID)
	if key == nil {
		return plain
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		c.logger.Warn("nonce generation failed, sending plaintext",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return plain
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens cipher text for a conversation. Returns the input
// unchanged when no key is set, the payload is not valid base64, or the
// box does not open (logged, never fatal).
func (c *Codec) Decrypt(conversationID, cipher string) string {
	key := c.key(conversationID)
	if key == nil {
		return cipher
	}
	raw, err := base64.StdEncoding.DecodeString(cipher)
	if err != nil || len(raw) <= nonceSize {
		return cipher
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		c.logger.Warn("message did not decrypt, passing through",
			zap.String("conversation_id", conversationID))
		return cipher
	}
	return string(plain)
}

package secure

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New(zap.NewNop())
	if !c.SetKey("c1", testKey(7)) {
		t.Fatal("SetKey rejected a valid key")
	}

	cipher := c.Encrypt("c1", "hello")
	if cipher == "hello" {
		t.Fatal("Encrypt returned plaintext despite key being set")
	}
	if got := c.Decrypt("c1", cipher); got != "hello" {
		t.Errorf("Decrypt = %q, want hello", got)
	}
}

func TestNoKeyIsPassThrough(t *testing.T) {
	c := New(zap.NewNop())
	if got := c.Encrypt("c1", "hello"); got != "hello" {
		t.Errorf("Encrypt without key = %q, want pass-through", got)
	}
	if got := c.Decrypt("c1", "hello"); got != "hello" {
		t.Errorf("Decrypt without key = %q, want pass-through", got)
	}
}

func TestDecryptDegradesOnGarbage(t *testing.T) {
	c := New(zap.NewNop())
	c.SetKey("c1", testKey(1))

	// Not base64 at all.
	if got := c.Decrypt("c1", "hello plain"); got != "hello plain" {
		t.Errorf("Decrypt(garbage) = %q, want input unchanged", got)
	}
	// Valid base64 but not a valid box.
	if got := c.Decrypt("c1", "aGVsbG8gd29ybGQgaGVsbG8gd29ybGQgaGVsbG8gd29ybGQ="); got == "" {
		t.Error("Decrypt of invalid box must not return empty")
	}
}

func TestWrongKeyDegrades(t *testing.T) {
	sender := New(zap.NewNop())
	sender.SetKey("c1", testKey(1))
	receiver := New(zap.NewNop())
	receiver.SetKey("c1", testKey(2))

	cipher := sender.Encrypt("c1", "secret")
	if got := receiver.Decrypt("c1", cipher); got != cipher {
		t.Errorf("Decrypt with wrong key = %q, want ciphertext unchanged", got)
	}
}

func TestSetKeyRejectsWrongLength(t *testing.T) {
	c := New(zap.NewNop())
	if c.SetKey("c1", []byte("short")) {
		t.Error("SetKey accepted a short key")
	}
	if got := c.Encrypt("c1", "x"); got != "x" {
		t.Error("conversation must stay plaintext after rejected key")
	}
}

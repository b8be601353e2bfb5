package storage

import (
	"encoding/base64"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get("missing")
	assert.Assert(t, is.ErrorIs(err, ErrNotFound))

	assert.NilError(t, s.Set("user_id", "PK-123"))
	v, err := s.Get("user_id")
	assert.NilError(t, err)
	assert.Equal(t, "PK-123", v)

	assert.NilError(t, s.Delete("user_id"))
	_, err = s.Get("user_id")
	assert.Assert(t, is.ErrorIs(err, ErrNotFound))

	// Deleting a missing key is not an error.
	assert.NilError(t, s.Delete("missing"))
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, "correct horse battery staple")
	assert.NilError(t, err)

	assert.NilError(t, s.Set("user_id", "PK-123"))

	// The inner store must hold ciphertext, not the value.
	raw, err := inner.Get("user_id")
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(raw, "PK-123"))
	_, err = base64.StdEncoding.DecodeString(raw)
	assert.NilError(t, err)

	v, err := s.Get("user_id")
	assert.NilError(t, err)
	assert.Equal(t, "PK-123", v)

	_, err = s.Get("missing")
	assert.Assert(t, is.ErrorIs(err, ErrNotFound))
}

func TestEncryptedStoreRejectsBadState(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, "secret")
	assert.NilError(t, err)

	t.Run("empty secret", func(t *testing.T) {
		_, err := NewEncryptedStore(inner, "")
		assert.ErrorContains(t, err, "must not be empty")
	})

	t.Run("corrupt blob", func(t *testing.T) {
		assert.NilError(t, inner.Set("k", "not-base64!!"))
		_, err := s.Get("k")
		assert.ErrorContains(t, err, "corrupt")
	})

	t.Run("wrong key", func(t *testing.T) {
		assert.NilError(t, s.Set("k", "value"))
		other, err := NewEncryptedStore(inner, "a different secret")
		assert.NilError(t, err)
		_, err = other.Get("k")
		assert.ErrorContains(t, err, "failed to decrypt")
	})
}

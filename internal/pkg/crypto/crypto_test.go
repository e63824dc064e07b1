package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDeriveKEK(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	assert.Len(t, kek, KeyLen)

	// Same inputs, same key
	assert.Equal(t, kek, DeriveKEK("passphrase", "salt"))

	// Different passphrase or salt, different key
	assert.NotEqual(t, kek, DeriveKEK("other", "salt"))
	assert.NotEqual(t, kek, DeriveKEK("passphrase", "other"))
}

func TestWrapUnwrapDEK(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")

	wrapped, dek, nonce, err := NewItemKey(kek)
	require.NoError(t, err)
	assert.Len(t, dek, KeyLen)

	got, err := UnwrapDEK(wrapped, nonce, kek)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestUnwrapDEK_WrongKEK(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	wrapped, _, nonce, err := NewItemKey(kek)
	require.NoError(t, err)

	wrong := DeriveKEK("wrong", "salt")
	_, err = UnwrapDEK(wrapped, nonce, wrong)
	assert.ErrorIs(t, err, ErrCryptoInit)
}

func TestUnwrapDEK_Garbage(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")

	_, err := UnwrapDEK("not base64!!!", "also not", kek)
	assert.ErrorIs(t, err, ErrCryptoInit)

	_, err = UnwrapDEK("AAAA", "AAAA", kek)
	assert.ErrorIs(t, err, ErrCryptoInit)
}

func TestNew(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	wrapped, dek, nonce, err := NewItemKey(kek)
	require.NoError(t, err)

	cc, err := New(kek, wrapped, nonce)
	require.NoError(t, err)
	assert.Equal(t, dek, cc.DEK())
	assert.Equal(t, kek, cc.KEK())

	_, err = New(DeriveKEK("wrong", "salt"), wrapped, nonce)
	assert.ErrorIs(t, err, ErrCryptoInit)

	_, err = New([]byte("short"), wrapped, nonce)
	assert.ErrorIs(t, err, ErrCryptoInit)
}

func TestEncryptDecryptText(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	_, dek, _, err := NewItemKey(kek)
	require.NoError(t, err)

	sealed, err := EncryptText("hello world", dek)
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", sealed)

	plain, err := DecryptText(sealed, dek)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plain)

	// Two encryptions of the same text differ: fresh nonce each time
	sealed2, err := EncryptText("hello world", dek)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestDecrypt_WrongKey(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	_, dek, _, err := NewItemKey(kek)
	require.NoError(t, err)
	_, other, _, err := NewItemKey(kek)
	require.NoError(t, err)

	sealed, err := Encrypt([]byte("payload"), dek)
	require.NoError(t, err)

	_, err = Decrypt(sealed, other)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecrypt_Truncated(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	_, dek, _, err := NewItemKey(kek)
	require.NoError(t, err)

	_, err = Decrypt([]byte("tiny"), dek)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestEncryptDecryptFile(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	_, dek, _, err := NewItemKey(kek)
	require.NoError(t, err)

	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "sealed.enc")
	out := filepath.Join(dir, "restored.txt")

	content := []byte("session data")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	require.NoError(t, EncryptFile(src, enc, dek))
	sealed, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, content))

	require.NoError(t, DecryptFile(enc, out, dek))
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestChecksumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	sum, err := ChecksumFile(path)
	require.NoError(t, err)
	// base64(sha256("abc"))
	assert.Equal(t, "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=", sum)
}

// TestEncryptDecryptRoundTripProperty: for any payload and any key derived
// through the normal path, Decrypt(Encrypt(p)) == p.
func TestEncryptDecryptRoundTripProperty(t *testing.T) {
	kek := DeriveKEK("passphrase", "salt")
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")

		_, dek, _, err := NewItemKey(kek)
		if err != nil {
			t.Fatalf("NewItemKey failed: %v", err)
		}

		sealed, err := Encrypt(payload, dek)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if len(sealed) < NonceLen+len(payload) {
			t.Fatalf("sealed too short: %d", len(sealed))
		}

		plain, err := Decrypt(sealed, dek)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(payload, plain) {
			t.Fatalf("round trip mismatch: %x != %x", payload, plain)
		}
	})
}

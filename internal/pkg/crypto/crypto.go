// Package crypto implements the process-wide crypto context: KEK derivation
// from an operator passphrase, per-item DEK wrapping, and AES-GCM sealing of
// text and file payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyLen is the AES-256 key length in bytes.
	KeyLen = 32
	// NonceLen is the GCM nonce length in bytes.
	NonceLen = 12

	// Argon2id parameters for KEK derivation.
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 2

	// Algo is the algorithm tag persisted alongside wrapped keys.
	Algo = "aes-gcm-256"
	// KeyVersion tags payloads for future key rotation.
	KeyVersion = 1
)

// Crypto errors.
var (
	// ErrCryptoInit marks a failed unwrap: wrong passphrase or corrupt
	// ciphertext. Fatal at boot.
	ErrCryptoInit = errors.New("crypto init failed: bad key or ciphertext")
	// ErrDecryptFailed marks a failed payload decryption. During
	// verification it flags the item invalid, not fatal.
	ErrDecryptFailed = errors.New("decrypt failed")
)

// Context holds the process KEK and the unwrapped process DEK. Immutable
// after boot; safe for concurrent readers.
type Context struct {
	kek []byte
	dek []byte
}

// DeriveKEK derives the key-encryption key from an operator passphrase.
func DeriveKEK(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeyLen)
}

// New builds the process crypto context from a derived KEK and the wrapped
// process DEK fetched from the secrets service.
func New(kek []byte, wrappedDEK, dekNonce string) (*Context, error) {
	if len(kek) != KeyLen {
		return nil, ErrCryptoInit
	}
	dek, err := UnwrapDEK(wrappedDEK, dekNonce, kek)
	if err != nil {
		return nil, err
	}
	return &Context{kek: kek, dek: dek}, nil
}

// KEK returns the process key-encryption key.
func (c *Context) KEK() []byte { return c.kek }

// DEK returns the unwrapped process data-encryption key.
func (c *Context) DEK() []byte { return c.dek }

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// WrapDEK seals a DEK under the KEK with a fresh nonce. It returns the
// base64 ciphertext, base64 nonce and base64 SHA-256 of the ciphertext.
func WrapDEK(dek, kek []byte) (cipherB64, nonceB64, sumB64 string, err error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return "", "", "", fmt.Errorf("wrap dek: %w", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", "", "", fmt.Errorf("wrap dek: %w", err)
	}
	ct := gcm.Seal(nil, nonce, dek, nil)
	sum := sha256.Sum256(ct)
	return base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(sum[:]),
		nil
}

// UnwrapDEK opens a wrapped DEK. A bad tag means a wrong passphrase and
// surfaces as ErrCryptoInit.
func UnwrapDEK(cipherB64, nonceB64 string, kek []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return nil, ErrCryptoInit
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, ErrCryptoInit
	}
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, ErrCryptoInit
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrCryptoInit
	}
	dek, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrCryptoInit
	}
	return dek, nil
}

// NewItemKey generates a fresh per-item DEK and wraps it under the KEK.
// Returns the base64 wrapped key, the plaintext DEK and the base64 nonce.
func NewItemKey(kek []byte) (wrappedB64 string, dek []byte, nonceB64 string, err error) {
	dek = make([]byte, KeyLen)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return "", nil, "", fmt.Errorf("new item key: %w", err)
	}
	wrappedB64, nonceB64, _, err = WrapDEK(dek, kek)
	if err != nil {
		return "", nil, "", err
	}
	return wrappedB64, dek, nonceB64, nil
}

// NewProcessDEK generates a fresh process DEK and wraps it for the secrets
// service. Returns what CreateSecretString wants: base64 ciphertext, nonce
// and checksum.
func NewProcessDEK(kek []byte) (cipherB64, nonceB64, sumB64 string, err error) {
	dek := make([]byte, KeyLen)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return "", "", "", fmt.Errorf("new process dek: %w", err)
	}
	return WrapDEK(dek, kek)
}

// EncryptText seals a UTF-8 string under the key and returns
// base64(nonce || ciphertext).
func EncryptText(plain string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("encrypt text: %w", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", fmt.Errorf("encrypt text: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptText inverts EncryptText.
func DecryptText(encoded string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	plain, err := Decrypt(raw, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt seals a payload and returns nonce(12) || ciphertext, the at-rest
// format of every .enc file.
func Encrypt(plain, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens nonce(12) || ciphertext.
func Decrypt(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// EncryptFile seals src into dst as nonce || ciphertext. Whole-file: account
// archives and universal payloads fit in memory by contract.
func EncryptFile(src, dst string, key []byte) error {
	plain, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("encrypt file: %w", err)
	}
	sealed, err := Encrypt(plain, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, sealed, 0o600); err != nil {
		return fmt.Errorf("encrypt file: %w", err)
	}
	return nil
}

// DecryptFile opens src into dst.
func DecryptFile(src, dst string, key []byte) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("decrypt file: %w", err)
	}
	plain, err := Decrypt(sealed, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, plain, 0o600); err != nil {
		return fmt.Errorf("decrypt file: %w", err)
	}
	return nil
}

// ChecksumFile returns the base64 SHA-256 of a file's contents.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

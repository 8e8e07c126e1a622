// Package vault seals small JSON credential blobs with AES-GCM before they
// reach the key-value store.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/storage"
)

const hkdfInfo = "fcc-monitor credential vault v1"

// sealed is the stored form of a blob.
type sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Vault encrypts values with a key derived from a process-wide secret.
type Vault struct {
	aead cipher.AEAD
	kv   storage.KV
}

// New derives the vault key from secret. An empty secret is a configuration
// error.
func New(secret string, kv storage.KV) (*Vault, error) {
	if secret == "" {
		return nil, &errs.ConfigError{Key: "ENCRYPTION_KEY"}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Vault{aead: aead, kv: kv}, nil
}

// Seal encodes v as JSON and encrypts it with a fresh IV.
func (v *Vault) Seal(value any) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	iv := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	out, err := json.Marshal(sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(v.aead.Seal(nil, iv, plain, nil)),
		IV:         base64.StdEncoding.EncodeToString(iv),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed: %w", err)
	}
	return string(out), nil
}

// Open decrypts a blob produced by Seal into dst.
func (v *Vault) Open(blob string, dst any) error {
	var s sealed
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return fmt.Errorf("decode sealed blob: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != v.aead.NonceSize() {
		return fmt.Errorf("invalid iv length %d", len(iv))
	}
	plain, err := v.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Store seals value and writes it under key.
func (v *Vault) Store(ctx context.Context, key string, value any) error {
	blob, err := v.Seal(value)
	if err != nil {
		return err
	}
	return v.kv.Put(ctx, key, blob, 0)
}

// Load reads and decrypts the blob under key into dst. It reports false when
// nothing is stored.
func (v *Vault) Load(ctx context.Context, key string, dst any) (bool, error) {
	blob, ok, err := v.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := v.Open(blob, dst); err != nil {
		return false, fmt.Errorf("open %s: %w", key, err)
	}
	return true, nil
}

// Has reports whether a blob is stored under key without decrypting it.
func (v *Vault) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := v.kv.Get(ctx, key)
	return ok, err
}

// Package crypto encrypts broker access tokens at rest. Tokens are sealed
// with AES-256-GCM under a key derived from the vault passphrase via
// PBKDF2-HMAC-SHA256, so a database dump alone never yields a usable token.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/coachbot/tradeexec/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-token schema version.
	currentVersion = 1
)

// sealedTokenJSON is the stored format for an encrypted token.
type sealedTokenJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// TokenVault seals and opens broker tokens with a single passphrase. Each
// seal uses a fresh salt and nonce, so identical tokens never produce
// identical records. It satisfies the broker package's TokenDecrypter.
type TokenVault struct {
	passphrase string
}

// NewTokenVault creates a vault. An empty passphrase yields a locked vault
// whose operations fail with domain.ErrVaultLocked.
func NewTokenVault(passphrase string) *TokenVault {
	return &TokenVault{passphrase: passphrase}
}

// EncryptToken seals a plaintext token for storage.
func (v *TokenVault) EncryptToken(token string) ([]byte, error) {
	if v.passphrase == "" {
		return nil, domain.ErrVaultLocked
	}
	if token == "" {
		return nil, errors.New("crypto: empty token")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(token), nil)

	return json.Marshal(sealedTokenJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// DecryptToken opens a sealed token.
func (v *TokenVault) DecryptToken(sealed []byte) (string, error) {
	if v.passphrase == "" {
		return "", domain.ErrVaultLocked
	}

	var stored sealedTokenJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed token: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported sealed token version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return string(plaintext), nil
}

func (v *TokenVault) cipherFor(salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(v.passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

package authgate

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts second-factor session tokens. Tokens are
// base64url(nonce || ciphertext) over a JSON array of strings.
type Sealer struct {
	key []byte
}

// NewSealer derives the token key from a per-user secret: the hex MD5 digest of
// the secret, used as 32 raw key bytes.
func NewSealer(secret string) *Sealer {
	sum := md5.Sum([]byte(secret))
	return &Sealer{key: []byte(hex.EncodeToString(sum[:]))}
}

// Seal encrypts fields into a cookie-safe token.
func (s *Sealer) Seal(fields []string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("authgate: token cipher: %w", err)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("authgate: token payload: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("authgate: token nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal. Any tampering, truncation or key
// mismatch is reported as UNAUTHORIZED.
func (s *Sealer) Open(token string) ([]string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("authgate: token cipher: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnauthorized, "authgate: token encoding")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, platformerrors.New(platformerrors.CodeUnauthorized, "authgate: token truncated")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnauthorized, "authgate: token rejected")
	}
	var fields []string
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnauthorized, "authgate: token payload")
	}
	return fields, nil
}

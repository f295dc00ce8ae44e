package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultSecretCost is the bcrypt cost used for shared secrets.
const DefaultSecretCost = bcrypt.DefaultCost

// generatedSecretBytes is the entropy of a generated shared secret.
const generatedSecretBytes = 18

// ErrSecretMismatch is returned when a secret does not match its hash.
var ErrSecretMismatch = errors.New("secret does not match")

// HashSecret hashes a shared secret for storage in the config file.
func HashSecret(secret string, cost int) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret is empty")
	}
	if cost == 0 {
		cost = DefaultSecretCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret checks a secret against a hash from HashSecret.
func VerifySecret(hash, secret string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrSecretMismatch
	}
	return fmt.Errorf("verify secret: %w", err)
}

// GenerateSecret returns a random URL-safe secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Fingerprint returns a short, non-reversible tag for a hash so it can be
// logged.
func Fingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:6])
}

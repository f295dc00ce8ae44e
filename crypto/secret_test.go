package crypto

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("open sesame", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	if hash == "open sesame" {
		t.Fatalf("expected hash to differ from secret")
	}

	if err := VerifySecret(hash, "open sesame"); err != nil {
		t.Fatalf("expected secret to verify, got %v", err)
	}
	if err := VerifySecret(hash, "open barley"); !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := VerifySecret("not-a-hash", "x"); err == nil || errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected malformed hash error, got %v", err)
	}
}

func TestHashSecretRejectsEmpty(t *testing.T) {
	if _, err := HashSecret("  ", bcrypt.MinCost); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestGenerateSecretIsUnique(t *testing.T) {
	first, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	second, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if first == second || len(first) != 24 {
		t.Fatalf("unexpected secrets %q %q", first, second)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	if Fingerprint("abc") != Fingerprint("abc") || Fingerprint("abc") == Fingerprint("abd") {
		t.Fatalf("expected stable, distinct fingerprints")
	}
	if len(Fingerprint("abc")) != 12 {
		t.Fatalf("expected 12 hex characters")
	}
}

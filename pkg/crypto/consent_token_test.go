package crypto

import (
	"strings"
	"testing"
)

func TestGenerateConsentTokenLengthAndAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		token, err := GenerateConsentToken()
		if err != nil {
			t.Fatalf("generate error: %v", err)
		}
		if len(token) != ConsentTokenLength {
			t.Fatalf("expected length %d, got %d", ConsentTokenLength, len(token))
		}
		for _, r := range token {
			if !strings.ContainsRune(ConsentTokenAlphabet, r) {
				t.Fatalf("token contains %q outside the declared alphabet", r)
			}
		}
	}
}

func TestGenerateConsentTokenNonRepeating(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		token, err := GenerateConsentToken()
		if err != nil {
			t.Fatalf("generate error: %v", err)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[token] = struct{}{}
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if !VerifyPassword(hash, "secret") {
		t.Fatal("expected password verification to succeed")
	}

	if VerifyPassword(hash, "incorrect") {
		t.Fatal("expected password verification to fail")
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(48)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	other, err := GenerateToken(48)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if token == other {
		t.Fatal("expected tokens to differ")
	}
}

package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || strings.Contains(hash, "s3cret") {
		t.Fatalf("unexpected hash %q", hash)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected password check to fail")
	}
	if CheckPassword("s3cret", "not-a-hash") {
		t.Fatalf("expected malformed hash to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng#Password!"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	weak := map[string]string{
		"short1!A":         "too short",
		"alllowercase123!": "missing uppercase",
		"ALLUPPERCASE123!": "missing lowercase",
		"NoDigitsHere!!!":  "missing digits",
		"NoSpecials1234":   "missing special characters",
	}
	for password, reason := range weak {
		err := ValidatePassword(password)
		if !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("%s: expected ErrWeakPassword for %q, got %v", reason, password, err)
		}
	}
}

package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestDeriveKEK(t *testing.T) {
	secret := []byte("correct horse battery staple")
	kek, err := DeriveKEK(secret, "medvault-records-v1")
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	if len(kek) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(kek))
	}
	kek2, _ := DeriveKEK(secret, "medvault-records-v1")
	if !bytes.Equal(kek, kek2) {
		t.Error("KEK derivation should be deterministic")
	}
	kek3, _ := DeriveKEK(secret, "medvault-records-v2")
	if bytes.Equal(kek, kek3) {
		t.Error("different contexts should yield different KEKs")
	}
	if _, err := DeriveKEK(nil, "ctx"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("blood panel 2024-03-01")
	aad := []byte("record-1")

	ciphertext, nonce, err := EncryptAESGCM(plaintext, key, aad)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := DecryptAESGCM(ciphertext, nonce, key, aad)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestAESGCMWrongKeyOrAAD(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	plaintext := []byte("allergies: penicillin")

	ciphertext, nonce, _ := EncryptAESGCM(plaintext, key, []byte("a"))
	if _, err := DecryptAESGCM(ciphertext, nonce, wrongKey, []byte("a")); err == nil {
		t.Error("expected error decrypting with wrong key")
	}
	if _, err := DecryptAESGCM(ciphertext, nonce, key, []byte("b")); err == nil {
		t.Error("expected error decrypting with wrong aad")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("master"), "medvault-records-v1")
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	sealed, err := s.SealString("visit1", "rec-1")
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}
	if strings.Contains(sealed, "visit1") {
		t.Error("sealed value leaks plaintext")
	}

	opened, err := s.OpenString(sealed, "rec-1")
	if err != nil {
		t.Fatalf("OpenString failed: %v", err)
	}
	if opened != "visit1" {
		t.Errorf("expected visit1, got %q", opened)
	}

	if _, err := s.OpenString(sealed, "rec-2"); err == nil {
		t.Error("value sealed for rec-1 should not open for rec-2")
	}
	if _, err := s.OpenString("AAAA", "rec-1"); err == nil {
		t.Error("expected error for truncated value")
	}
}

func TestSealerEmptyString(t *testing.T) {
	s, _ := NewSealer([]byte("master"), "ctx")
	sealed, err := s.SealString("", "rec")
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}
	opened, err := s.OpenString(sealed, "rec")
	if err != nil {
		t.Fatalf("OpenString failed: %v", err)
	}
	if opened != "" {
		t.Errorf("expected empty string, got %q", opened)
	}
}

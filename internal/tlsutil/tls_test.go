package tlsutil

import (
	"testing"
	"time"
)

func TestGenerateConfigReturnsUsableCert(t *testing.T) {
	cfg, fingerprint, err := GenerateConfig(24*time.Hour, "localhost")
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
	if len(fingerprint) != 64 {
		t.Fatalf("expected 64-char hex fingerprint, got %q", fingerprint)
	}
}

func TestGenerateConfigFingerprintVariesPerCall(t *testing.T) {
	_, fp1, err := GenerateConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	_, fp2, err := GenerateConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	if fp1 == fp2 {
		t.Fatal("expected distinct fingerprints across independently generated certs")
	}
}

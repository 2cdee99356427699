package crypto

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestDeriveUserKey_Deterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	later := now.Add(90 * time.Minute)

	k1 := DeriveUserKey("a@b.com", "master", now, DefaultRotationInterval)
	k2 := DeriveUserKey("a@b.com", "master", later, DefaultRotationInterval)
	if k1 != k2 {
		t.Fatal("keys within the same epoch must match")
	}

	if DeriveUserKey("c@d.com", "master", now, DefaultRotationInterval) == k1 {
		t.Fatal("different users must get different keys")
	}
	if DeriveUserKey("a@b.com", "other", now, DefaultRotationInterval) == k1 {
		t.Fatal("different master keys must give different keys")
	}
}

func TestDeriveUserKey_EpochBoundary(t *testing.T) {
	boundary := time.UnixMilli(20000 * DefaultRotationInterval.Milliseconds())

	before := DeriveUserKey("a@b.com", "master", boundary.Add(-time.Millisecond), DefaultRotationInterval)
	after := DeriveUserKey("a@b.com", "master", boundary, DefaultRotationInterval)
	if before == after {
		t.Fatal("crossing an epoch boundary must change the key")
	}

	// historical keys are reproducible from the original timestamp
	again := DeriveUserKey("a@b.com", "master", boundary.Add(-time.Millisecond), DefaultRotationInterval)
	if again != before {
		t.Fatal("historical key could not be recomputed")
	}
}

func TestDeriveUserKey_KnownVector(t *testing.T) {
	// sha256("user-master-0")
	k := DeriveUserKey("user", "master", time.UnixMilli(1000), DefaultRotationInterval)
	if k.Hex() != Hash([]byte("user-master-0")) {
		t.Fatalf("unexpected key %s", k.Hex())
	}
}

func TestEpoch(t *testing.T) {
	if got := Epoch(time.UnixMilli(0), time.Hour); got != 0 {
		t.Fatalf("expected epoch 0, got %d", got)
	}
	if got := Epoch(time.UnixMilli(3*3600*1000+5), time.Hour); got != 3 {
		t.Fatalf("expected epoch 3, got %d", got)
	}
	if got := Epoch(time.UnixMilli(-1), time.Hour); got != -1 {
		t.Fatalf("expected epoch -1, got %d", got)
	}
	if got := Epoch(time.UnixMilli(25*3600*1000), 0); got != 1 {
		t.Fatalf("zero interval should fall back to 24h, got %d", got)
	}
}

func TestIntegrity(t *testing.T) {
	content := []byte("\x89PNG fake image")
	digest := ContentDigest(content)

	if digest != Hash([]byte(base64.StdEncoding.EncodeToString(content))) {
		t.Fatal("content digest must hash the base64 text form")
	}
	if !VerifyIntegrity(digest, content) {
		t.Fatal("expected integrity check to pass")
	}
	if VerifyIntegrity(digest, []byte("\x89PNG fake imagf")) {
		t.Fatal("expected integrity check to fail for modified content")
	}
	if VerifyIntegrity("", content) {
		t.Fatal("empty hash must not verify")
	}
}

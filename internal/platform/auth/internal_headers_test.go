package auth

import (
	"strconv"
	"testing"
	"time"
)

func TestSignatureRoundTrip(t *testing.T) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := ComputeSignature("secret", ts, "POST", "/v1/jobs")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if err := VerifySignature("secret", ts, "POST", "/v1/jobs", sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature("secret", ts, "POST", "/v1/jobs/other", sig); err == nil {
		t.Fatal("expected path mismatch to fail")
	}
	if err := VerifySignature("wrong", ts, "POST", "/v1/jobs", sig); err == nil {
		t.Fatal("expected wrong secret to fail")
	}
	if err := VerifySignature("secret", ts, "POST", "/v1/jobs", ""); err == nil {
		t.Fatal("expected empty signature to fail")
	}
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Now().UTC()
	fresh := strconv.FormatInt(now.Unix(), 10)
	if err := VerifyTimestamp(fresh, now, time.Minute); err != nil {
		t.Fatalf("fresh timestamp rejected: %v", err)
	}
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if err := VerifyTimestamp(stale, now, time.Minute); err == nil {
		t.Fatal("stale timestamp accepted")
	}
	if err := VerifyTimestamp("garbage", now, time.Minute); err == nil {
		t.Fatal("garbage timestamp accepted")
	}
	// Zero skew disables the window check.
	if err := VerifyTimestamp(stale, now, 0); err != nil {
		t.Fatalf("skew check not disabled: %v", err)
	}
}

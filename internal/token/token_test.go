package token

import (
	"strings"
	"testing"
	"time"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss := New("s3cret", time.Minute)

	tok, err := iss.Issue("trun_1", "standalone/trun_1/input.json")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.RunID != "trun_1" {
		t.Fatalf("runId: %q", claims.RunID)
	}
	if claims.InputPath != "standalone/trun_1/input.json" {
		t.Fatalf("inputPath: %q", claims.InputPath)
	}
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	tok, err := New("key-a", time.Minute).Issue("trun_1", "p")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New("key-b", time.Minute).Verify(tok); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	iss := New("s3cret", time.Minute)
	tok, err := iss.Issue("trun_1", "p")
	if err != nil {
		t.Fatal(err)
	}
	payload, sig, _ := strings.Cut(tok, ".")
	forged := payload[:len(payload)-2] + "xx." + sig
	if _, err := iss.Verify(forged); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	iss := New("s3cret", -time.Second)
	tok, err := iss.Issue("trun_1", "p")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.Verify(tok); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestVerify_RejectsMalformed(t *testing.T) {
	if _, err := New("s3cret", time.Minute).Verify("not-a-token"); err == nil {
		t.Fatal("expected malformed error")
	}
}

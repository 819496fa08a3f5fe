package audit

import (
	"testing"
	"time"
)

func TestSigner_Sign(t *testing.T) {
	signer := NewSigner("test-secret")
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"status":{"new":"under_review","old":"submitted"}}`)

	sig := signer.Sign("entry-1", "updated_status", "case-1", ts, 1, payload)
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(sig))
	}
	if sig != signer.Sign("entry-1", "updated_status", "case-1", ts, 1, payload) {
		t.Error("expected deterministic signatures for same input")
	}
}

func TestSigner_Verify(t *testing.T) {
	signer := NewSigner("test-secret")
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"queues":["FCDO"]}`)
	sig := signer.Sign("entry-2", "move_case", "case-2", ts, 1, payload)

	tests := []struct {
		name      string
		entryID   string
		verb      string
		target    string
		ts        time.Time
		version   int
		payload   []byte
		wantValid bool
	}{
		{"valid", "entry-2", "move_case", "case-2", ts, 1, payload, true},
		{"same instant other zone", "entry-2", "move_case", "case-2", ts.In(time.FixedZone("BST", 3600)), 1, payload, true},
		{"wrong entry", "entry-3", "move_case", "case-2", ts, 1, payload, false},
		{"wrong verb", "entry-2", "remove_case", "case-2", ts, 1, payload, false},
		{"cleared target", "entry-2", "move_case", "", ts, 1, payload, false},
		{"wrong time", "entry-2", "move_case", "case-2", ts.Add(time.Nanosecond), 1, payload, false},
		{"wrong version", "entry-2", "move_case", "case-2", ts, 2, payload, false},
		{"tampered payload", "entry-2", "move_case", "case-2", ts, 1, []byte(`{"queues":[]}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := signer.Verify(tt.entryID, tt.verb, tt.target, tt.ts, tt.version, tt.payload, sig)
			if got != tt.wantValid {
				t.Errorf("Verify() = %v, want %v", got, tt.wantValid)
			}
		})
	}
}

func TestSigner_FieldBoundaries(t *testing.T) {
	signer := NewSigner("k")
	ts := time.Now()
	a := signer.Sign("ab", "c", "", ts, 1, nil)
	b := signer.Sign("a", "bc", "", ts, 1, nil)
	if a == b {
		t.Error("expected field boundaries to affect the signature")
	}
}

func TestSigner_DifferentSecrets(t *testing.T) {
	ts := time.Now()
	sig := NewSigner("secret-1").Sign("e", "v", "t", ts, 1, nil)
	if NewSigner("secret-2").Verify("e", "v", "t", ts, 1, nil, sig) {
		t.Error("expected verification to fail with a different secret")
	}
}

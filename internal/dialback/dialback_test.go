package dialback

import "testing"

func TestComputeKeyDeterministic(t *testing.T) {
	k1 := ComputeKey("supersecret", "a.example", "b.example", "stream123")
	k2 := ComputeKey("supersecret", "a.example", "b.example", "stream123")
	if k1 != k2 {
		t.Fatalf("expected deterministic key, got %q and %q", k1, k2)
	}
}

func TestComputeKeyDiffersOnAnyInput(t *testing.T) {
	base := ComputeKey("supersecret", "a.example", "b.example", "stream123")
	variants := []string{
		ComputeKey("othersecret", "a.example", "b.example", "stream123"),
		ComputeKey("supersecret", "c.example", "b.example", "stream123"),
		ComputeKey("supersecret", "a.example", "c.example", "stream123"),
		ComputeKey("supersecret", "a.example", "b.example", "otherstream"),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("expected distinct key for varied input, got collision %q", v)
		}
	}
}

func TestVerifyKeyRoundTrip(t *testing.T) {
	key := ComputeKey("s3cr3t", "a.example", "b.example", "stream1")
	if !VerifyKey("s3cr3t", "a.example", "b.example", "stream1", key) {
		t.Fatal("expected VerifyKey to accept a correctly derived key")
	}
	if VerifyKey("s3cr3t", "a.example", "b.example", "stream1", "deadbeef") {
		t.Fatal("expected VerifyKey to reject a bogus key")
	}
}

func TestNewSecretLength(t *testing.T) {
	s, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 40 {
		t.Fatalf("expected 40-char secret, got %d chars: %q", len(s), s)
	}
}

func TestStateKindString(t *testing.T) {
	cases := map[StateKind]string{
		Want:       "want",
		InProgress: "inprogress",
		Valid:      "valid",
		Invalid:    "invalid",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("StateKind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

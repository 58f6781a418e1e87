package signal

import (
	"strings"
	"testing"
)

func TestDecodeDispatch(t *testing.T) {
	offer := Offer{CallID: "c1", From: "alice", Target: "bob", SDP: "v=0"}
	data, err := Encode(offer)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := msg.(Offer)
	if !ok {
		t.Fatalf("expected Offer, got %T", msg)
	}
	if got != offer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if msg.Kind() != KindOffer || msg.Call() != "c1" {
		t.Fatalf("kind=%s call=%s", msg.Kind(), msg.Call())
	}
}

func TestDecodeCandidateFields(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := ICECandidate{
		CallID: "c1",
		From:   "alice",
		Target: "bob",
		Candidate: CandidateInfo{
			Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	got := msg.(ICECandidate)
	if got.Candidate.Candidate != in.Candidate.Candidate {
		t.Fatalf("candidate mismatch: %q", got.Candidate.Candidate)
	}
	if got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != mid {
		t.Fatalf("sdp_mid lost: %+v", got.Candidate)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"call-party","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTarget(t *testing.T) {
	if got := Target(Offer{Target: "bob"}); got != "bob" {
		t.Fatalf("offer target = %q", got)
	}
	if got := Target(ICECandidate{Target: "carol"}); got != "carol" {
		t.Fatalf("candidate target = %q", got)
	}
	if got := Target(StartCall{CallID: "c1"}); got != "" {
		t.Fatalf("group message should have no target, got %q", got)
	}
}

package types

import (
	"testing"
)

func TestTopicCatRoundTrip(t *testing.T) {
	cats := []TopicCat{TopicCatDirect, TopicCatInbox, TopicCatPeerCache, TopicCatJournal}
	for _, cat := range cats {
		if got := ParseTopicCat(cat.String()); got != cat {
			t.Errorf("ParseTopicCat(%q) = %v, want %v", cat.String(), got, cat)
		}
	}

	if got := ParseTopicCat("group"); got != TopicCatInvalid {
		t.Errorf("ParseTopicCat(group) = %v, want TopicCatInvalid", got)
	}
	if TopicCatInvalid.String() != "invalid" {
		t.Errorf("TopicCatInvalid.String() = %q", TopicCatInvalid.String())
	}
}

func TestAccessRuleChecks(t *testing.T) {
	ar := AccessRule{Writers: []string{"alice"}, Readers: []string{"bob"}, Encrypted: true}

	if !ar.CanWrite("alice") || ar.CanWrite("bob") {
		t.Error("writer check failed")
	}
	if !ar.CanRead("bob") || ar.CanRead("alice") {
		t.Error("reader check failed")
	}

	world := AccessRule{Writers: []string{"alice"}, Everyone: true}
	if !world.CanRead("anyone-at-all") {
		t.Error("Everyone rule should allow any reader")
	}
}

func TestHashParticipantsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"cell-a", "cell-b"},
		{"z", "a"},
		{"same", "same"},
		{"", "only"},
	}
	for _, p := range pairs {
		h1 := HashParticipants(p[0], p[1])
		h2 := HashParticipants(p[1], p[0])
		if h1 != h2 {
			t.Errorf("HashParticipants(%q, %q) != HashParticipants(%q, %q)", p[0], p[1], p[1], p[0])
		}
		if len(h1) != 64 {
			t.Errorf("expected hex sha256, got %d chars", len(h1))
		}
	}

	// Distinct pairs must not collide on the separator.
	if HashParticipants("ab", "c") == HashParticipants("a", "bc") {
		t.Error("participant hash must separate identifiers")
	}
}

func TestTrustLevelValidity(t *testing.T) {
	for _, tl := range []TrustLevel{TrustLevelTrusted, TrustLevelUnknown, TrustLevelBlocked} {
		if !tl.IsValid() {
			t.Errorf("%q should be valid", tl)
		}
	}
	if TrustLevel("friendly").IsValid() {
		t.Error("unexpected trust level accepted")
	}
}

func TestPeerRecordClone(t *testing.T) {
	pr := &PeerRecord{
		UUID:         "u1",
		Capabilities: []string{"relay"},
		History:      []ConnectionEvent{{Event: "discovered"}},
	}
	cp := pr.Clone()
	cp.Capabilities[0] = "mutated"
	cp.History[0].Event = "mutated"

	if pr.Capabilities[0] != "relay" || pr.History[0].Event != "discovered" {
		t.Error("Clone must deep-copy slices")
	}
}

func TestUnmarshalEnvelopeRejectsNonEnvelopes(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte(`{"id":"x"}`)); err == nil {
		t.Error("record without sealed blob should not parse as envelope")
	}
	if _, err := UnmarshalEnvelope([]byte("not json")); err == nil {
		t.Error("malformed record should not parse")
	}
}

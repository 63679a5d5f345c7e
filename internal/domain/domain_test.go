package domain

import "testing"

func TestParseEntityRef(t *testing.T) {
	ref, err := ParseEntityRef(" Character: Mira Vale ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Kind != EntityCharacter || ref.Name != "Mira Vale" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	for _, bad := range []string{"Mira", "ghost:Mira", "character:", ""} {
		if _, err := ParseEntityRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestScoreLowest(t *testing.T) {
	s := Score{Total: 70, Dimensions: map[string]int{"pacing": 60, "coherence": 80, "consistency": 60}}
	name, v, ok := s.Lowest()
	if !ok || name != "consistency" || v != 60 {
		t.Fatalf("lowest = %s %d %v", name, v, ok)
	}
	if _, _, ok := (Score{}).Lowest(); ok {
		t.Fatalf("expected no dimension")
	}
}

func TestNextLinear(t *testing.T) {
	if NextLinear(StageOverview) != StageWorld || NextLinear(StagePlot) != StageCharacters {
		t.Fatalf("unexpected linear order")
	}
	if NextLinear(StageCharacters) != "" {
		t.Fatalf("characters should hand over to the chapter loop")
	}
}

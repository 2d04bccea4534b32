package policy

import "testing"

func TestScreenUtteranceCrisis(t *testing.T) {
	for _, in := range []string{
		"Sometimes I want to kill myself",
		"I don't want to wake up tomorrow",
		"everyone would be better off without me",
	} {
		got := ScreenUtterance(in)
		if got.Level != RiskCrisis {
			t.Fatalf("ScreenUtterance(%q).Level = %q, want %q", in, got.Level, RiskCrisis)
		}
		if got.Reason == "" {
			t.Fatalf("ScreenUtterance(%q) missing reason", in)
		}
	}
}

func TestScreenUtteranceElevated(t *testing.T) {
	got := ScreenUtterance("I feel hopeless about work")
	if got.Level != RiskElevated {
		t.Fatalf("Level = %q, want %q", got.Level, RiskElevated)
	}
}

func TestScreenUtteranceNone(t *testing.T) {
	for _, in := range []string{"", "I had a good day at the park", "work was stressful"} {
		if got := ScreenUtterance(in); got.Level != RiskNone {
			t.Fatalf("ScreenUtterance(%q).Level = %q, want %q", in, got.Level, RiskNone)
		}
	}
}

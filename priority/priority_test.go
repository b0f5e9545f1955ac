package priority

import "testing"

func TestOrdering(t *testing.T) {
	if !Blocking.IsHigher(Highest) {
		t.Error("Blocking should be higher priority than Highest")
	}
	if !Idle.IsLower(Lowest) {
		t.Error("Idle should be lower priority than Lowest")
	}
	if !Normal.IsHigherOrEqual(Normal) {
		t.Error("Normal should be higher-or-equal to itself")
	}
	if !Normal.IsLowerOrEqual(Normal) {
		t.Error("Normal should be lower-or-equal to itself")
	}
}

func TestValidity(t *testing.T) {
	if Completing.IsValid() {
		t.Error("Completing must not be a valid schedulable priority")
	}
	for p := Blocking; p <= Idle; p++ {
		if !p.IsValid() {
			t.Errorf("%v should be valid", p)
		}
	}
}

func TestMaxMin(t *testing.T) {
	if Max(Blocking, Idle) != Blocking {
		t.Error("Max(Blocking, Idle) should be Blocking")
	}
	if Min(Blocking, Idle) != Idle {
		t.Error("Min(Blocking, Idle) should be Idle")
	}
}

func TestTotalSchedulablePriorities(t *testing.T) {
	if TotalSchedulablePriorities != 9 {
		t.Errorf("TotalSchedulablePriorities = %d, want 9", TotalSchedulablePriorities)
	}
}

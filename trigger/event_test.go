package trigger

import "testing"

func TestEventFor(t *testing.T) {
	cases := []struct {
		phase Phase
		op    Op
		want  Event
	}{
		{PhaseValidate, OpCreate, ValidateCreate},
		{PhaseBefore, OpCreate, BeforeCreate},
		{PhaseAfter, OpCreate, AfterCreate},
		{PhaseValidate, OpUpdate, ValidateUpdate},
		{PhaseBefore, OpUpdate, BeforeUpdate},
		{PhaseAfter, OpUpdate, AfterUpdate},
		{PhaseValidate, OpDelete, ValidateDelete},
		{PhaseBefore, OpDelete, BeforeDelete},
		{PhaseAfter, OpDelete, AfterDelete},
	}
	for _, c := range cases {
		if got := EventFor(c.phase, c.op); got != c.want {
			t.Errorf("EventFor(%s, %s) = %s, want %s", c.phase, c.op, got, c.want)
		}
	}
}

func TestEvent_PhaseAndOp(t *testing.T) {
	if BeforeUpdate.Phase() != PhaseBefore {
		t.Errorf("phase: got %s, want %s", BeforeUpdate.Phase(), PhaseBefore)
	}
	if BeforeUpdate.Op() != OpUpdate {
		t.Errorf("op: got %s, want %s", BeforeUpdate.Op(), OpUpdate)
	}
	if AfterDelete.Phase() != PhaseAfter {
		t.Errorf("phase: got %s, want %s", AfterDelete.Phase(), PhaseAfter)
	}
	if AfterDelete.Op() != OpDelete {
		t.Errorf("op: got %s, want %s", AfterDelete.Op(), OpDelete)
	}
}

func TestEvent_Valid(t *testing.T) {
	valid := []Event{
		ValidateCreate, BeforeCreate, AfterCreate,
		ValidateUpdate, BeforeUpdate, AfterUpdate,
		ValidateDelete, BeforeDelete, AfterDelete,
	}
	for _, e := range valid {
		if !e.Valid() {
			t.Errorf("%s should be valid", e)
		}
	}

	invalid := []Event{"", "create", "before_save", "sometimes_update", "before_", "_create"}
	for _, e := range invalid {
		if e.Valid() {
			t.Errorf("%q should be invalid", e)
		}
	}
}

func TestPriority_String(t *testing.T) {
	cases := []struct {
		p    Priority
		want string
	}{
		{PriorityHighest, "highest"},
		{PriorityHigh, "high"},
		{PriorityNormal, "normal"},
		{PriorityLow, "low"},
		{PriorityLowest, "lowest"},
		{Priority(42), "42"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Priority(%d).String() = %q, want %q", int(c.p), got, c.want)
		}
	}
}

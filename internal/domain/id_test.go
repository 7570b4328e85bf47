package domain

import "testing"

func TestParseState(t *testing.T) {
	valid, err := ParseState("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid.Valid() {
		t.Fatalf("Valid() returned false for a valid state")
	}

	cases := []string{"", "short", "XYZ", "0123456789ABCDEF0123456789ABCDEF", "0123456789abcdef0123456789abcdeg"}
	for _, c := range cases {
		if _, err := ParseState(c); err != ErrInvalidState {
			t.Errorf("expected ErrInvalidState for %q, got %v", c, err)
		}
	}
}

func TestNewState(t *testing.T) {
	const n = 10
	unique := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		st, err := NewState()
		if err != nil {
			t.Fatalf("NewState error: %v", err)
		}
		s := st.String()
		if len(s) != 32 {
			t.Fatalf("state length unexpected: %d", len(s))
		}
		if !st.Valid() {
			t.Fatalf("generated state invalid: %s", st)
		}
		if _, exists := unique[s]; exists {
			t.Fatalf("duplicate state generated: %s", s)
		}
		unique[s] = struct{}{}
	}
}

func TestStateValidMethod(t *testing.T) {
	if !State("0123456789abcdef0123456789abcdef").Valid() {
		t.Fatalf("expected state to be valid")
	}
	if State("g123456789abcdef0123456789abcdef").Valid() {
		t.Fatalf("expected invalid state")
	}
}

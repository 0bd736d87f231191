package auth

import "testing"

func TestAccount_DisableCoolingOverride(t *testing.T) {
	var a *Account
	if v, ok := a.DisableCoolingOverride(); ok || v {
		t.Fatalf("nil account: got (%v, %v), want (false, false)", v, ok)
	}

	a = &Account{}
	if _, ok := a.DisableCoolingOverride(); ok {
		t.Fatalf("account with no metadata should report no override")
	}

	a = &Account{Metadata: map[string]any{"disable_cooling": true}}
	if v, ok := a.DisableCoolingOverride(); !ok || !v {
		t.Fatalf("got (%v, %v), want (true, true)", v, ok)
	}

	a = &Account{Metadata: map[string]any{"disable_cooling": "false"}}
	if v, ok := a.DisableCoolingOverride(); !ok || v {
		t.Fatalf("got (%v, %v), want (false, true)", v, ok)
	}
}

func TestAccount_RequestRetryOverride(t *testing.T) {
	a := &Account{}
	if _, ok := a.RequestRetryOverride(); ok {
		t.Fatalf("account with no metadata should report no override")
	}

	a = &Account{Metadata: map[string]any{"request_retry": float64(3)}}
	if v, ok := a.RequestRetryOverride(); !ok || v != 3 {
		t.Fatalf("got (%v, %v), want (3, true)", v, ok)
	}

	a = &Account{Metadata: map[string]any{"request_retry": float64(-1)}}
	if v, ok := a.RequestRetryOverride(); !ok || v != 0 {
		t.Fatalf("got (%v, %v), want (0, true) — negative overrides clamp to zero", v, ok)
	}
}

func TestAccount_Priority(t *testing.T) {
	var a *Account
	if a.Priority() != 0 {
		t.Fatalf("nil account priority = %d, want 0", a.Priority())
	}

	a = &Account{}
	if a.Priority() != 0 {
		t.Fatalf("account with no attributes priority = %d, want 0", a.Priority())
	}

	a = &Account{Attributes: map[string]string{"priority": "10"}}
	if a.Priority() != 10 {
		t.Fatalf("priority = %d, want 10", a.Priority())
	}

	a = &Account{Attributes: map[string]string{"priority": "not-a-number"}}
	if a.Priority() != 0 {
		t.Fatalf("priority = %d, want 0 for unparseable value", a.Priority())
	}
}

func TestAccount_Clone_DeepCopiesMutableState(t *testing.T) {
	original := &Account{
		ID:         "a",
		Attributes: map[string]string{"priority": "5"},
		Metadata:   map[string]any{"disable_cooling": true},
		ModelStates: map[string]*ModelState{
			"m": {Unavailable: true},
		},
	}

	clone := original.Clone()
	clone.Attributes["priority"] = "99"
	clone.Metadata["disable_cooling"] = false
	clone.ModelStates["m"].Unavailable = false

	if original.Attributes["priority"] != "5" {
		t.Fatalf("mutating clone.Attributes leaked into original: %v", original.Attributes)
	}
	if original.Metadata["disable_cooling"] != true {
		t.Fatalf("mutating clone.Metadata leaked into original: %v", original.Metadata)
	}
	if !original.ModelStates["m"].Unavailable {
		t.Fatalf("mutating clone.ModelStates leaked into original")
	}
}

func TestAccount_Clone_Nil(t *testing.T) {
	var a *Account
	if a.Clone() != nil {
		t.Fatalf("Clone() of nil account should return nil")
	}
}

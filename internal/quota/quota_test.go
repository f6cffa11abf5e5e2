package quota

import (
	"errors"
	"testing"
)

func TestCheck_UnknownFeatureAllowed(t *testing.T) {
	l := NewLedger(nil, 0)
	if err := l.Check("chat", 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheck_FeatureTokenBudget(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 100}}, 0)

	if err := l.Check("chat", 100); err != nil {
		t.Fatalf("estimate at ceiling should pass: %v", err)
	}
	if err := l.Check("chat", 101); err == nil {
		t.Fatal("estimate above ceiling should fail")
	}

	l.Record("chat", 60)
	err := l.Check("chat", 50)
	if err == nil {
		t.Fatal("60 used + 50 estimated > 100 should fail")
	}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}
	scope, ok := Exceeded(err)
	if !ok || scope != "chat" {
		t.Errorf("scope = %q ok=%v, want \"chat\" true", scope, ok)
	}
}

func TestCheck_RequestBudget(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxRequests: 2}}, 0)

	l.Record("chat", 0)
	if err := l.Check("chat", 0); err != nil {
		t.Fatalf("one request made of two: %v", err)
	}
	l.Record("chat", 0)
	if err := l.Check("chat", 0); err == nil {
		t.Fatal("request ceiling reached, check should fail")
	}
}

func TestCheck_SessionBudgetWinsFirst(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 10}}, 50)
	l.Record("voice", 45)

	err := l.Check("chat", 20)
	scope, ok := Exceeded(err)
	if !ok {
		t.Fatalf("err = %v, want budget denial", err)
	}
	if scope != "session" {
		t.Errorf("scope = %q, want \"session\" (global budget evaluated first)", scope)
	}
}

func TestCheck_MutatesNothing(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 100}}, 0)

	for i := 0; i < 10; i++ {
		_ = l.Check("chat", 90)
	}
	rem, ok := l.Remaining("chat")
	if !ok || rem != 100 {
		t.Fatalf("remaining = %d ok=%v, want 100 true (check must not consume)", rem, ok)
	}
}

func TestRecord_ClampsAtCeiling(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 100, MaxRequests: 1}}, 50)

	l.Record("chat", 500)
	rem, _ := l.Remaining("chat")
	if rem != 0 {
		t.Errorf("remaining = %d, want 0 (clamped, not negative)", rem)
	}
	if got := l.SessionTokens(); got != 50 {
		t.Errorf("sessionTokens = %d, want 50 (clamped)", got)
	}

	// Further records keep the counters clamped.
	l.Record("chat", 500)
	if rem, _ := l.Remaining("chat"); rem != 0 {
		t.Errorf("remaining after second record = %d, want 0", rem)
	}
}

func TestRecord_NegativeTokensIgnored(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 100}}, 0)
	l.Record("chat", -30)
	rem, _ := l.Remaining("chat")
	if rem != 100 {
		t.Errorf("remaining = %d, want 100", rem)
	}
}

func TestRemaining_NoCeiling(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxRequests: 5}}, 0)
	if _, ok := l.Remaining("chat"); ok {
		t.Fatal("feature without token ceiling should report ok=false")
	}
}

func TestResetAll(t *testing.T) {
	l := NewLedger(map[string]Budget{"chat": {MaxTokens: 100}}, 200)
	l.Record("chat", 100)
	l.ResetAll()

	if err := l.Check("chat", 100); err != nil {
		t.Fatalf("check after reset: %v", err)
	}
	if got := l.SessionTokens(); got != 0 {
		t.Errorf("sessionTokens = %d, want 0", got)
	}
}

package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("execute: %w", New(CodeInsufficientFunds, "need %.2f, have %.2f", 10.0, 5.0))
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", ErrStalePrice, CodeStalePrice},
		{"wrapped", wrapped, CodeInsufficientFunds},
		{"plain", errors.New("disk full"), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("%s: CodeOf=%q, expected %q", tc.name, got, tc.want)
		}
	}
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("gate: %w", New(CodeGuardBlocked, "trade guard is locked"))
	if !errors.Is(err, ErrGuardBlocked) {
		t.Fatalf("expected errors.Is to match guard_blocked")
	}
	if errors.Is(err, ErrCooldown) {
		t.Fatalf("guard_blocked must not match cooldown")
	}
	if got := MessageOf(err); got != "trade guard is locked" {
		t.Fatalf("MessageOf=%q", got)
	}
}

package workflowerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Transient, "calling model", cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}
	if err.Error() != fmt.Sprintf("%s: %s: %v", Transient, "calling model", cause) {
		t.Errorf("unexpected Error() string: %s", err.Error())
	}
}

func TestIsMatchesThroughArbitraryWrapping(t *testing.T) {
	inner := New(NotFound, "no such workflow")
	outer := fmt.Errorf("resolving session: %w", inner)

	if !Is(outer, NotFound) {
		t.Errorf("expected Is to see through fmt.Errorf wrapping")
	}
	if Is(outer, Conflict) {
		t.Errorf("Is matched the wrong kind")
	}
	if Is(errors.New("plain"), Internal) {
		t.Errorf("Is should not match a non-workflowerr error")
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	for kind, want := range map[Kind]bool{
		Transient:         true,
		Timeout:           false,
		Validation:        false,
		NotFound:          false,
		InvalidTransition: false,
		Cancelled:         false,
		Conflict:          false,
		Internal:          false,
	} {
		if got := New(kind, "x").Retryable(); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestSuggestedActionsCoversEveryKind(t *testing.T) {
	kinds := []Kind{Transient, Validation, NotFound, InvalidTransition, Timeout, Cancelled, Conflict, Internal}
	for _, k := range kinds {
		actions := SuggestedActions(k)
		if len(actions) == 0 {
			t.Errorf("SuggestedActions(%s) returned no actions", k)
		}
	}
}

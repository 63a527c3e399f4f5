// ABOUTME: Unit tests for session context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithSession_FromContext(t *testing.T) {
	s := &Session{ID: "abc", UserID: 42, BranchID: 3}
	ctx := WithSession(context.Background(), s)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() returned nil")
	}
	if got != s {
		t.Errorf("FromContext() = %p, want %p", got, s)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), sessionContextKey{}, "not-a-session")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic")
		}
	}()
	MustFromContext(context.Background())
}

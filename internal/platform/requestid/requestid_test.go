package requestid

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid, got %q: %v", id, err)
	}
	if New() == id {
		t.Fatalf("expected distinct ids")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id on empty context")
	}
	ctx := WithContext(context.Background(), "rid-1")
	if got, ok := FromContext(ctx); !ok || got != "rid-1" {
		t.Fatalf("FromContext()=%q,%v", got, ok)
	}
}

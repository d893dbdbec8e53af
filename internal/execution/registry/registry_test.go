package registry

import (
	"errors"
	"reflect"
	"testing"

	"github.com/animus-labs/hypershard/internal/domain"
)

func TestRegistryGetUnknown(t *testing.T) {
	reg := New[int]("scheduler")
	if err := reg.Register("fifo", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got, err := reg.Get("fifo"); err != nil || got != 1 {
		t.Fatalf("Get(fifo)=%d,%v", got, err)
	}
	_, err := reg.Get("lifo")
	var policyErr *domain.UnknownPolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected UnknownPolicyError, got %v", err)
	}
	if policyErr.Kind != "scheduler" || policyErr.Name != "lifo" {
		t.Fatalf("unexpected error fields: %+v", policyErr)
	}
}

func TestRegistryRejectsDuplicatesAndBlank(t *testing.T) {
	reg := New[string]("executor")
	if err := reg.Register("echo", "a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("echo", "b"); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := reg.Register("  ", "c"); err == nil {
		t.Fatalf("expected blank name error")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := New[int]("partitioner")
	reg.MustRegister("single", 1)
	reg.MustRegister("by_item", 2)
	if got, want := reg.Names(), []string{"by_item", "single"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names()=%v, want %v", got, want)
	}
}

package relay

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

var testSessionID int64

func testSession(name string) *Session {
	return newSession(atomic.AddInt64(&testSessionID, 1), name, nil, nil, 4096, zerolog.Nop())
}

func TestDirectoryRegisterValidation(t *testing.T) {
	d := NewDirectory(4)

	if err := d.Register(testSession("not valid!")); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Register accepted invalid name: %v", err)
	}
	if err := d.Register(testSession("alice")); err != nil {
		t.Fatalf("Register rejected valid name: %v", err)
	}
	if err := d.Register(testSession("alice")); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("duplicate name error = %v, want ErrNameTaken", err)
	}
}

func TestDirectoryCapacity(t *testing.T) {
	d := NewDirectory(2)

	if err := d.Register(testSession("alice")); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	if err := d.Register(testSession("bob")); err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	if err := d.Register(testSession("carol")); !errors.Is(err, ErrDirectoryFull) {
		t.Fatalf("full-table error = %v, want ErrDirectoryFull", err)
	}

	d.Deregister("bob")
	if err := d.Register(testSession("carol")); err != nil {
		t.Fatalf("Register after slot freed: %v", err)
	}
}

func TestDirectoryResolve(t *testing.T) {
	d := NewDirectory(4)
	alice := testSession("alice")
	if err := d.Register(alice); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := d.Resolve("alice"); got != alice {
		t.Fatalf("Resolve returned %v", got)
	}
	if got := d.Resolve("ghost"); got != nil {
		t.Fatalf("Resolve of absent name returned %v", got)
	}

	if pipe := d.ResolveNotify("alice"); pipe != alice.notify {
		t.Fatalf("ResolveNotify returned wrong pipe")
	}
	if pipe := d.ResolveNotify("ghost"); pipe != nil {
		t.Fatalf("ResolveNotify of absent name returned %v", pipe)
	}

	d.Deregister("alice")
	if got := d.Resolve("alice"); got != nil {
		t.Fatalf("Resolve after Deregister returned %v", got)
	}
}

func TestDirectoryUniquenessUnderConcurrentRegistration(t *testing.T) {
	d := NewDirectory(256)

	const attempts = 32
	var wins int64
	done := make(chan struct{})
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			if err := d.Register(testSession("contested")); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	for i := 0; i < attempts; i++ {
		<-done
	}

	if wins != 1 {
		t.Fatalf("%d registrations won the same name, want exactly 1", wins)
	}
	if d.Count() != 1 {
		t.Fatalf("Count = %d, want 1", d.Count())
	}
}

package lock_test

import (
	"sync"
	"testing"

	"github.com/flugzeug/flugzeug/lock"
)

func TestLockExcludesConcurrentAccess(t *testing.T) {
	t.Parallel()

	l := lock.New()

	counter := 0

	var wg sync.WaitGroup

	const goroutines = 50

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func(core int) {
			defer wg.Done()

			in := lock.NopInterrupts{Core: core}

			l.Lock(in)
			defer l.Unlock()

			counter++
		}(i)
	}

	wg.Wait()

	if counter != goroutines {
		t.Errorf("counter = %d, want %d (lock failed to exclude)", counter, goroutines)
	}
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	t.Parallel()

	l := lock.New()
	in := lock.NopInterrupts{Core: 0}

	l.Lock(in)

	if l.TryLock(lock.NopInterrupts{Core: 1}) {
		t.Error("TryLock succeeded while lock was held")
	}

	l.Unlock()

	if !l.TryLock(lock.NopInterrupts{Core: 1}) {
		t.Error("TryLock failed on an unlocked lock")
	}
}

func TestHeldReflectsState(t *testing.T) {
	t.Parallel()

	l := lock.New()

	if l.Held() {
		t.Error("new lock reports Held")
	}

	l.Lock(lock.NopInterrupts{Core: 0})

	if !l.Held() {
		t.Error("locked lock reports not Held")
	}

	l.Unlock()

	if l.Held() {
		t.Error("unlocked lock still reports Held")
	}
}

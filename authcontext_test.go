package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestAuthContext(t *testing.T) {
	t.Run("EmptyContext", func(t *testing.T) {
		if _, ok := NewAuthContext().Provider(); ok {
			t.Error("Expected no provider in a new context")
		}
		var nilCtx *AuthContext
		if _, ok := nilCtx.Provider(); ok {
			t.Error("Expected nil context to report no provider")
		}
	})

	t.Run("SetOnce", func(t *testing.T) {
		a := NewAuthContext()
		if err := a.SetProvider(staticLookup{"t": "c"}); err != nil {
			t.Fatalf("SetProvider failed: %v", err)
		}
		if err := a.SetProvider(staticLookup{}); !errors.Is(err, ErrProviderAlreadySet) {
			t.Errorf("Expected ErrProviderAlreadySet, got %v", err)
		}

		p, ok := a.Provider()
		if !ok {
			t.Fatal("Expected provider")
		}
		if v, _ := p.LookupCredential(context.Background(), "t"); v != "c" {
			t.Error("Expected the first provider to be kept")
		}
	})

	t.Run("NilRejected", func(t *testing.T) {
		if err := NewAuthContext().SetProvider(nil); err == nil {
			t.Error("Expected nil provider to be rejected")
		}
	})

	t.Run("ConcurrentSet", func(t *testing.T) {
		a := NewAuthContext()
		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if a.SetProvider(staticLookup{}) == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
				_, _ = a.Provider()
			}()
		}
		wg.Wait()
		if successes != 1 {
			t.Errorf("Expected exactly one successful SetProvider, got %d", successes)
		}
	})
}

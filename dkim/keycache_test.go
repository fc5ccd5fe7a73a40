package dkim

import (
	"context"
	"testing"
)

type countingFetcher struct {
	calls int
	key   *PublicKey
}

func (f *countingFetcher) Fetch(ctx context.Context, selector, sdid string) (*PublicKey, error) {
	f.calls++
	return f.key, nil
}

func TestCachingKeyFetcher_CachesAcrossCalls(t *testing.T) {
	inner := &countingFetcher{key: &PublicKey{KeyType: "rsa"}}
	cache := NewCachingKeyFetcher(inner, 4)

	for i := 0; i < 3; i++ {
		pk, err := cache.Fetch(context.Background(), "lgao", "example.com")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if pk != inner.key {
			t.Fatal("expected the cached pointer to be returned")
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner fetcher called %d times, want 1", inner.calls)
	}
	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
}

func TestCachingKeyFetcher_EvictsOldestWhenFull(t *testing.T) {
	inner := &countingFetcher{key: &PublicKey{KeyType: "rsa"}}
	cache := NewCachingKeyFetcher(inner, 2)

	ctx := context.Background()
	cache.Fetch(ctx, "s1", "a.example.com")
	cache.Fetch(ctx, "s2", "b.example.com")
	cache.Fetch(ctx, "s3", "c.example.com") // evicts s1
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}

	before := inner.calls
	cache.Fetch(ctx, "s1", "a.example.com")
	if inner.calls != before+1 {
		t.Fatal("expected evicted entry to trigger a fresh fetch")
	}
}

package provider

import (
	"fmt"
	"testing"
	"time"

	fakeclock "github.com/kadcore/dht/internal/clock"
	"github.com/kadcore/dht/peer"
)

func TestAddProviderIsIdempotent(t *testing.T) {
	store := NewStore()
	key := []byte("content-key")
	p := peer.ID("provider-1")

	store.AddProvider(key, p)
	store.AddProvider(key, p)
	store.AddProvider(key, p)

	got := store.GetProviders(key)
	if len(got) != 1 {
		t.Fatalf("expected exactly one provider entry, got %d", len(got))
	}
}

func TestReannouncementNeverShortensExpiry(t *testing.T) {
	fc := fakeclock.NewFake(time.Now())
	store := NewStore(WithTTL(time.Hour), WithClock(fc))
	key := []byte("content-key")
	p := peer.ID("provider-1")

	store.AddProvider(key, p)
	first := store.GetProviders(key)[0].Expiry

	fc.Advance(-30 * time.Minute)
	store.AddProvider(key, p)
	second := store.GetProviders(key)[0].Expiry

	if second.Before(first) {
		t.Fatalf("re-announcement shortened expiry: first=%v second=%v", first, second)
	}
}

func TestProviderExpiresAfterTTL(t *testing.T) {
	fc := fakeclock.NewFake(time.Now())
	store := NewStore(WithTTL(time.Hour), WithClock(fc))
	key := []byte("content-key")
	p := peer.ID("provider-1")

	store.AddProvider(key, p)
	if len(store.GetProviders(key)) != 1 {
		t.Fatalf("expected provider present before TTL elapses")
	}

	fc.Advance(2 * time.Hour)

	if len(store.GetProviders(key)) != 0 {
		t.Fatalf("expected provider expired after TTL elapsed")
	}
}

func TestGCRemovesExpiredProvidersAcrossKeys(t *testing.T) {
	fc := fakeclock.NewFake(time.Now())
	store := NewStore(WithTTL(time.Minute), WithClock(fc))

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("content-%d", i))
		store.AddProvider(key, peer.ID(fmt.Sprintf("provider-%d", i)))
	}

	fc.Advance(2 * time.Minute)

	removed := store.GC()
	if removed != 5 {
		t.Fatalf("expected 5 providers removed by GC, got %d", removed)
	}
}

func TestMaxProvidersPerKeyIsEnforced(t *testing.T) {
	store := NewStore(WithMaxProvidersPerKey(2))
	key := []byte("content-key")

	store.AddProvider(key, peer.ID("p1"))
	store.AddProvider(key, peer.ID("p2"))
	store.AddProvider(key, peer.ID("p3"))

	if len(store.GetProviders(key)) != 2 {
		t.Fatalf("expected provider count capped at 2, got %d", len(store.GetProviders(key)))
	}
}

package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/kv"
	"github.com/stretchr/testify/require"
)

type fakeDurable struct {
	active    map[string]*Record
	rotations []*RotationEntry
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{active: map[string]*Record{}}
}

func (f *fakeDurable) key(tenant, vendor string) string { return tenant + ":" + vendor }

func (f *fakeDurable) GetVendorCredential(ctx context.Context, tenant, vendor string) (*Record, error) {
	rec, ok := f.active[f.key(tenant, vendor)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (f *fakeDurable) PutVendorCredential(ctx context.Context, rec *Record) error {
	f.active[f.key(rec.Tenant, rec.Vendor)] = rec
	return nil
}

func (f *fakeDurable) AppendRotationHistory(ctx context.Context, entry *RotationEntry) error {
	f.rotations = append(f.rotations, entry)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeDurable) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 50, nil)
	durable := newFakeDurable()
	store := New([]byte("a-sufficiently-long-master-secret"), durable, c, 30*time.Minute)
	return store, durable
}

func TestStoreThenFetchRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-a", "ns-a", "openai", []byte("sk-secret-123")))

	plaintext, err := store.Fetch(ctx, "tenant-a", "ns-a", "openai")
	require.NoError(t, err)
	require.Equal(t, "sk-secret-123", string(plaintext))
}

func TestCrossTenantDecryptionFailsAuthentication(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-a", "ns-a", "openai", []byte("sk-secret-123")))

	rec, err := store.durable.GetVendorCredential(ctx, "tenant-a", "openai")
	require.NoError(t, err)

	_, err = store.decrypt(rec, "ns-b", "tenant-a", "openai")
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestRotatePreservesHistory(t *testing.T) {
	store, durable := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-a", "ns-a", "openai", []byte("sk-old")))
	require.NoError(t, store.Rotate(ctx, "tenant-a", "ns-a", "openai", []byte("sk-new"), "scheduled"))

	plaintext, err := store.Fetch(ctx, "tenant-a", "ns-a", "openai")
	require.NoError(t, err)
	require.Equal(t, "sk-new", string(plaintext))

	require.Len(t, durable.rotations, 1)
	require.Equal(t, "scheduled", durable.rotations[0].Reason)
}

func TestFetchMissingReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Fetch(context.Background(), "tenant-a", "ns-a", "anthropic")
	require.ErrorIs(t, err, ErrNotFound)
}

package tariff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// mockResource implements Resource for testing
type mockResource struct {
	calls   int
	tariffs map[string]*models.Tariff
	err     error
}

func (m *mockResource) Rate(ctx context.Context, resourceID string) (*models.Tariff, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tariffs[resourceID]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func newMockResource() *mockResource {
	return &mockResource{
		tariffs: map[string]*models.Tariff{
			"vehicle-42": {
				ResourceID:    "vehicle-42",
				RatePerMinute: decimal.RequireFromString("2.00"),
				Currency:      "USD",
			},
		},
	}
}

func TestCachedResource_CachesWithinTTL(t *testing.T) {
	inner := newMockResource()
	now := time.Now()
	cache := NewCachedResource(inner, time.Minute, WithTimeFunc(func() time.Time { return now }))

	ctx := context.Background()
	first, err := cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)

	second, err := cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.True(t, first.RatePerMinute.Equal(second.RatePerMinute))
}

func TestCachedResource_ExpiresAfterTTL(t *testing.T) {
	inner := newMockResource()
	now := time.Now()
	cache := NewCachedResource(inner, time.Minute, WithTimeFunc(func() time.Time { return now }))

	ctx := context.Background()
	_, err := cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}

func TestCachedResource_ErrorsNotCached(t *testing.T) {
	inner := newMockResource()
	inner.err = errors.New("lookup failed")
	cache := NewCachedResource(inner, time.Minute)

	ctx := context.Background()
	_, err := cache.Rate(ctx, "vehicle-42")
	require.Error(t, err)

	inner.err = nil
	tariff, err := cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)
	assert.Equal(t, "vehicle-42", tariff.ResourceID)
}

func TestCachedResource_Invalidate(t *testing.T) {
	inner := newMockResource()
	cache := NewCachedResource(inner, time.Hour)

	ctx := context.Background()
	_, err := cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)

	cache.Invalidate("vehicle-42")

	_, err = cache.Rate(ctx, "vehicle-42")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

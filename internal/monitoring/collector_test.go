package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store/storetest"
)

func TestCollector_Collect(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	for _, id := range []string{"a-1", "a-2", "a-3", "a-4"} {
		storetest.Seed(t, st, storetest.Fixture{AuditID: id, Responses: 1})
	}
	m := audit.NewMachine(st, nil)
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		_, err := m.Claim(ctx, id)
		require.NoError(t, err)
	}
	_, err := m.Complete(ctx, "a-1", model.Scores{DataQualityScore: 90, DataQualityTier: model.TierHighConfidence})
	require.NoError(t, err)
	_, err = m.Complete(ctx, "a-2", model.Scores{DataQualityScore: 60, DataQualityTier: model.TierLowConfidence})
	require.NoError(t, err)

	c := NewCollector(st)
	c.nowFunc = func() time.Time { return storetest.Epoch.Add(time.Hour) }
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, 1, snap.Processing)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.LowConfidence)
	assert.InDelta(t, 75, snap.AvgQualityScore, 0.001)
	assert.Zero(t, snap.FailRate)

	c.nowFunc = func() time.Time { return storetest.Epoch.Add(48 * time.Hour) }
	snap, err = c.Collect(ctx, 24)
	require.NoError(t, err)
	assert.Zero(t, snap.Total)
}

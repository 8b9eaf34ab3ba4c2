package sweep

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

func stagedDeployment(cfg model.StrategyConfig) *model.Deployment {
	return &model.Deployment{
		ID:             "test-deployment-1",
		Strategy:       model.StrategyStaged,
		StrategyConfig: cfg.Normalize(model.StrategyStaged),
	}
}

func TestNextReleasable_FirstBatch(t *testing.T) {
	d := stagedDeployment(model.StrategyConfig{})
	batches := []batchState{
		{Batch: 0, Total: 3},
		{Batch: 1, Total: 3},
	}

	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 0, batch)
}

func TestNextReleasable_WaitsForPreviousBatch(t *testing.T) {
	d := stagedDeployment(model.StrategyConfig{})
	batches := []batchState{
		{Batch: 0, Total: 3, Released: 3, Succeeded: 2, Settled: 2},
		{Batch: 1, Total: 3},
	}

	// Batch 0 still has an unsettled row.
	_, ok := nextReleasable(d, batches, time.Now())
	assert.False(t, ok)

	batches[0].Succeeded = 3
	batches[0].Settled = 3
	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, batch)
}

func TestNextReleasable_StagedDelay(t *testing.T) {
	d := stagedDeployment(model.StrategyConfig{DelayMinutes: 30})
	released := time.Now().Add(-10 * time.Minute)
	batches := []batchState{
		{Batch: 0, Total: 3, Released: 3, Succeeded: 3, Settled: 3, ReleasedAt: &released},
		{Batch: 1, Total: 3},
	}

	// Ten minutes in, thirty required.
	_, ok := nextReleasable(d, batches, time.Now())
	assert.False(t, ok)

	earlier := time.Now().Add(-31 * time.Minute)
	batches[0].ReleasedAt = &earlier
	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, batch)
}

func TestNextReleasable_CanaryGate(t *testing.T) {
	d := &model.Deployment{
		ID:             "test-deployment-1",
		Strategy:       model.StrategyCanary,
		StrategyConfig: model.StrategyConfig{CanarySize: 2}.Normalize(model.StrategyCanary),
	}
	batches := []batchState{
		// Canary settled but one row was skipped: settled without success.
		{Batch: 0, Total: 2, Released: 2, Succeeded: 1, Settled: 2},
		{Batch: 1, Total: 5},
	}

	// Canary demands universal success, not just terminality.
	_, ok := nextReleasable(d, batches, time.Now())
	assert.False(t, ok)

	batches[0].Succeeded = 2
	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, batch)
}

func TestNextReleasable_Immediate(t *testing.T) {
	d := &model.Deployment{
		ID:             "test-deployment-1",
		Strategy:       model.StrategyImmediate,
		StrategyConfig: model.StrategyConfig{}.Normalize(model.StrategyImmediate),
	}
	batches := []batchState{{Batch: 0, Total: 10}}

	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 0, batch)
}

func TestNextReleasable_AllReleased(t *testing.T) {
	d := stagedDeployment(model.StrategyConfig{})
	batches := []batchState{
		{Batch: 0, Total: 3, Released: 3},
		{Batch: 1, Total: 3, Released: 3},
	}

	_, ok := nextReleasable(d, batches, time.Now())
	assert.False(t, ok)
}

func TestNextReleasable_PartialRelease(t *testing.T) {
	d := stagedDeployment(model.StrategyConfig{})
	// A crash mid-release leaves a batch partially eligible; the next tick
	// picks the same batch up again.
	batches := []batchState{
		{Batch: 0, Total: 3, Released: 1},
	}

	batch, ok := nextReleasable(d, batches, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 0, batch)
}

func TestAllTerminal(t *testing.T) {
	assert.True(t, allTerminal([]batchState{
		{Total: 3, Settled: 3},
		{Total: 2, Settled: 2},
	}))
	assert.False(t, allTerminal([]batchState{
		{Total: 3, Settled: 3},
		{Total: 2, Settled: 1},
	}))
}

func TestHaltIfBreached_DefaultThresholdPausesOnFirstFailure(t *testing.T) {
	db := &sweepMockDB{}
	c := NewRolloutController(db, nil, zerolog.Nop())
	ctx := context.Background()

	d := stagedDeployment(model.StrategyConfig{})
	batches := []batchState{
		{Batch: 0, Total: 5, Released: 5, FailedFinal: 1, Settled: 1},
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	halted, err := c.haltIfBreached(ctx, d, batches)
	require.NoError(t, err)
	assert.True(t, halted)
	db.AssertExpectations(t)
}

func TestHaltIfBreached_ThresholdArithmetic(t *testing.T) {
	db := &sweepMockDB{}
	c := NewRolloutController(db, nil, zerolog.Nop())
	ctx := context.Background()

	d := stagedDeployment(model.StrategyConfig{FailureThresholdPercent: 20})

	// 2 of 10 is exactly 20 percent: not over the threshold.
	halted, err := c.haltIfBreached(ctx, d, []batchState{
		{Batch: 0, Total: 10, Released: 10, FailedFinal: 2, Settled: 2},
	})
	require.NoError(t, err)
	assert.False(t, halted)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)

	// 3 of 10 is over.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	halted, err = c.haltIfBreached(ctx, d, []batchState{
		{Batch: 0, Total: 10, Released: 10, FailedFinal: 3, Settled: 3},
	})
	require.NoError(t, err)
	assert.True(t, halted)
	db.AssertExpectations(t)
}

func TestHaltIfBreached_IgnoresUnreleasedBatches(t *testing.T) {
	db := &sweepMockDB{}
	c := NewRolloutController(db, nil, zerolog.Nop())
	ctx := context.Background()

	d := stagedDeployment(model.StrategyConfig{})
	// Failures in a batch that was never released cannot halt anything.
	halted, err := c.haltIfBreached(ctx, d, []batchState{
		{Batch: 0, Total: 5, Released: 0, FailedFinal: 2, Settled: 2},
	})
	require.NoError(t, err)
	assert.False(t, halted)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func scanBatch(b batchState) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int)) = b.Batch
		*(dest[1].(*int)) = b.Total
		*(dest[2].(*int)) = b.Succeeded
		*(dest[3].(*int)) = b.Settled
		*(dest[4].(*int)) = b.FailedFinal
		*(dest[5].(*int)) = b.Released
		*(dest[6].(**time.Time)) = b.ReleasedAt
		return nil
	}
}

// scanScopedWindow yields an every-day, all-hours window with the given
// scope.
func scanScopedWindow(target string) func(dest ...any) error {
	return func(dest ...any) error {
		now := time.Now()
		*(dest[0].(*string)) = "test-window-1"
		*(dest[1].(*string)) = "always-open"
		*(dest[2].(*string)) = "00:00"
		*(dest[3].(*string)) = "23:59"
		*(dest[4].(*[]int)) = []int{0, 1, 2, 3, 4, 5, 6}
		*(dest[5].(*string)) = "UTC"
		if target != "" {
			*(dest[6].(*json.RawMessage)) = json.RawMessage(target)
		}
		*(dest[7].(*time.Time)) = now
		*(dest[8].(*time.Time)) = now
		return nil
	}
}

func scanNodeID(id string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		return nil
	}
}

func TestRolloutAdvance_ScopedWindowBlocksUncoveredDeployment(t *testing.T) {
	db := &sweepMockDB{}
	windows := core.NewMaintenanceWindowService(db, core.NewTargetResolver(db, core.NewGroupService(db)))
	c := NewRolloutController(db, windows, zerolog.Nop())
	ctx := context.Background()

	d := stagedDeployment(model.StrategyConfig{BatchSize: 2})
	d.Target = json.RawMessage(`{"type":"tag","name":"web"}`)
	d.MaintenanceWindowOnly = true

	// One unreleased batch waiting on the gate.
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanBatch(batchState{Batch: 0, Total: 2})), nil).Once()
	// The only active window is scoped to the db tier, so it does not open
	// anything for a web-tier deployment.
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanScopedWindow(`{"type":"tag","name":"db"}`)), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanNodeID("node-web-1")), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanNodeID("node-db-1")), nil).Once()

	n, err := c.advance(ctx, d)
	require.NoError(t, err)
	assert.Zero(t, n)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestRolloutAdvance_ScopedWindowReleasesCoveredDeployment(t *testing.T) {
	db := &sweepMockDB{}
	windows := core.NewMaintenanceWindowService(db, core.NewTargetResolver(db, core.NewGroupService(db)))
	c := NewRolloutController(db, windows, zerolog.Nop())
	ctx := context.Background()

	d := stagedDeployment(model.StrategyConfig{BatchSize: 2})
	d.Target = json.RawMessage(`{"type":"tag","name":"web"}`)
	d.MaintenanceWindowOnly = true

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanBatch(batchState{Batch: 0, Total: 2})), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanScopedWindow(`{"type":"tag","name":"web"}`)), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanNodeID("node-web-1"), scanNodeID("node-web-2")), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanNodeID("node-web-1")), nil).Once()
	// The batch goes out.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil).Once()

	n, err := c.advance(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	db.AssertExpectations(t)
}

func TestBatchState_Terminal_CountsExhaustedFailures(t *testing.T) {
	// A failed row with a scheduled retry is not settled; the same row with
	// retries exhausted is.
	b := batchState{Total: 3, Succeeded: 2, Settled: 2, FailedFinal: 0}
	assert.False(t, b.terminal())

	b.Settled = 3
	b.FailedFinal = 1
	assert.True(t, b.terminal())
}

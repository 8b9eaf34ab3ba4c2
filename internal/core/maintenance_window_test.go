package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/fleet/internal/model"
)

// scanWindow yields an every-day, all-hours window row with the given
// target scope (empty string for an unscoped window).
func scanWindow(target string) func(dest ...any) error {
	return func(dest ...any) error {
		now := time.Now()
		*(dest[0].(*string)) = "test-window-1"
		*(dest[1].(*string)) = "nightly"
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

// A Wednesday noon, UTC.
var windowNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newWindowService(db *mockDB) *MaintenanceWindowService {
	return NewMaintenanceWindowService(db, NewTargetResolver(db, NewGroupService(db)))
}

// ---------- AnyActiveFor ----------

func TestMaintenanceWindow_AnyActiveFor_UnscopedWindowCoversFleet(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanWindow("")), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.True(t, active)

	// An unscoped window needs no resolution at all.
	db.AssertNumberOfCalls(t, "Query", 1)
	db.AssertExpectations(t)
}

func TestMaintenanceWindow_AnyActiveFor_ScopedWindowOutsideTargets(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	// The window covers the db tier only; the deployment targets web.
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanWindow(`{"type":"tag","name":"db"}`)), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanID("node-web-1")), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanID("node-db-1")), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.False(t, active)
	db.AssertExpectations(t)
}

func TestMaintenanceWindow_AnyActiveFor_ScopedWindowCoversTargets(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanWindow(`{"type":"tag","name":"web"}`)), nil).Once()
	// Deployment targets and window scope share node-web-1.
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanID("node-web-1"), scanID("node-web-2")), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanID("node-web-1")), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.True(t, active)
	db.AssertExpectations(t)
}

func TestMaintenanceWindow_AnyActiveFor_ScopeResolvingEmptyCoversNothing(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanWindow(`{"type":"tag","name":"retired"}`)), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanID("node-web-1")), nil).Once()
	// The scope matches no current nodes; that is empty coverage, not an
	// error.
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newEmptyMockRows(), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.False(t, active)
	db.AssertExpectations(t)
}

func TestMaintenanceWindow_AnyActiveFor_ClosedWindowSkipsResolution(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	// Sunday-only window evaluated on a Wednesday.
	closed := func(dest ...any) error {
		if err := scanWindow(`{"type":"tag","name":"web"}`)(dest...); err != nil {
			return err
		}
		*(dest[4].(*[]int)) = []int{0}
		return nil
	}
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(closed), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.False(t, active)
	db.AssertNumberOfCalls(t, "Query", 1)
	db.AssertExpectations(t)
}

func TestMaintenanceWindow_AnyActiveFor_NoWindows(t *testing.T) {
	db := &mockDB{}
	svc := newWindowService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newEmptyMockRows(), nil).Once()

	active, err := svc.AnyActiveFor(ctx, model.TargetSelector{Type: model.TargetTag, Name: "web"}, windowNow)
	require.NoError(t, err)
	assert.False(t, active)
	db.AssertExpectations(t)
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/fleet/internal/model"
)

func TestNewNodeService(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)

	require.NotNil(t, svc)
	assert.Equal(t, db, svc.db)
}

// ---------- CheckIn ----------

func TestNodeService_CheckIn_NewNode(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	// A brand-new node has no prior status: the RETURNING subquery sees
	// the pre-insert state and yields NULL.
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(**string)) = nil
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	wasOffline, err := svc.CheckIn(ctx, CheckInParams{
		NodeID:   "test-node-1",
		Hostname: "node-1.example.com",
		Tags:     []string{"web"},
	})
	require.NoError(t, err)
	assert.False(t, wasOffline)
	db.AssertExpectations(t)
}

func TestNodeService_CheckIn_RecoveredNode(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	prior := model.NodeOffline
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(**string)) = &prior
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	wasOffline, err := svc.CheckIn(ctx, CheckInParams{
		NodeID:   "test-node-1",
		Hostname: "node-1.example.com",
	})
	require.NoError(t, err)
	assert.True(t, wasOffline)
	db.AssertExpectations(t)
}

func TestNodeService_CheckIn_OnlineNode(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	prior := model.NodeOnline
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(**string)) = &prior
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	wasOffline, err := svc.CheckIn(ctx, CheckInParams{
		NodeID:   "test-node-1",
		Hostname: "node-1.example.com",
	})
	require.NoError(t, err)
	assert.False(t, wasOffline)
	db.AssertExpectations(t)
}

func TestNodeService_CheckIn_DBError(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error {
		return errors.New("db error")
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := svc.CheckIn(ctx, CheckInParams{NodeID: "test-node-1", Hostname: "node-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check in node")
	db.AssertExpectations(t)
}

// ---------- GetByID ----------

func TestNodeService_GetByID_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	ip := "10.0.0.10"
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "test-node-1"
		*(dest[1].(*string)) = "node-1.example.com"
		*(dest[2].(**string)) = &ip
		*(dest[3].(*[]string)) = []string{"web", "db"}
		*(dest[4].(*json.RawMessage)) = json.RawMessage(`{"os":"linux"}`)
		*(dest[5].(*string)) = model.NodeOnline
		*(dest[6].(**time.Time)) = &now
		*(dest[7].(*int)) = 0
		*(dest[8].(*time.Time)) = now
		*(dest[9].(*time.Time)) = now
		*(dest[10].(**time.Time)) = nil
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	result, err := svc.GetByID(ctx, "test-node-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "test-node-1", result.ID)
	assert.Equal(t, "node-1.example.com", result.Hostname)
	assert.Equal(t, "10.0.0.10", *result.IPAddress)
	assert.Equal(t, []string{"web", "db"}, result.Tags)
	assert.Equal(t, model.NodeOnline, result.Status)
	db.AssertExpectations(t)
}

func TestNodeService_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	result, err := svc.GetByID(ctx, "nonexistent-node")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}

// ---------- List ----------

func TestNodeService_List_Pagination(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	scanNode := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*(dest[0].(*string)) = id
			*(dest[1].(*string)) = id + ".example.com"
			*(dest[2].(**string)) = nil
			*(dest[3].(*[]string)) = []string{}
			*(dest[4].(*json.RawMessage)) = json.RawMessage(`{}`)
			*(dest[5].(*string)) = model.NodeOnline
			*(dest[6].(**time.Time)) = &now
			*(dest[7].(*int)) = 0
			*(dest[8].(*time.Time)) = now
			*(dest[9].(*time.Time)) = now
			*(dest[10].(**time.Time)) = nil
			return nil
		}
	}

	// Limit 2, three rows back: two returned plus hasMore.
	rows := newMockRows(scanNode("node-a"), scanNode("node-b"), scanNode("node-c"))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	nodes, hasMore, err := svc.List(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Equal(t, "node-b", nodes[1].ID)
	db.AssertExpectations(t)
}

func TestNodeService_List_Empty(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(newEmptyMockRows(), nil)

	nodes, hasMore, err := svc.List(ctx, 50, "")
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.False(t, hasMore)
	db.AssertExpectations(t)
}

// ---------- Delete ----------

func TestNodeService_Delete_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := svc.Delete(ctx, "test-node-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestNodeService_Delete_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.Delete(ctx, "nonexistent-node")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}

// ---------- Events ----------

func TestNodeService_RecordEvent(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	err := svc.RecordEvent(ctx, "test-node-1", model.EventNodeOffline, "missed check-in window")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestNodeService_ListEvents(t *testing.T) {
	db := &mockDB{}
	svc := NewNodeService(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	rows := newMockRows(func(dest ...any) error {
		*(dest[0].(*string)) = "test-event-1"
		*(dest[1].(*string)) = "test-node-1"
		*(dest[2].(*string)) = model.EventNodeOffline
		*(dest[3].(*string)) = "missed check-in window"
		*(dest[4].(*time.Time)) = now
		return nil
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	events, err := svc.ListEvents(ctx, "test-node-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventNodeOffline, events[0].Kind)
	db.AssertExpectations(t)
}

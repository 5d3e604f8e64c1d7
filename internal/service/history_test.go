package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/database"
	"github.com/sshcollectorpro/hopshell/internal/model"
)

func newHistory(t *testing.T) *GormHistory {
	t.Helper()
	db, err := database.Open(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	return NewGormHistory(db)
}

// TestHistoryLifecycle 开始、结束并读取带命令明细的记录
func TestHistoryLifecycle(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	run := &model.Run{ID: "r1", BatchID: "b1", Kind: model.RunKindExec, Target: "db1", Chain: "ssh:ops@gw", StartTime: start}
	require.NoError(t, h.Begin(ctx, run))
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := h.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Empty(t, got.Commands)

	run.Status = "timeout"
	run.ErrorMsg = "timed out"
	run.EndTime = start.Add(3 * time.Second)
	run.Duration = 3000
	run.CommandCount = 2
	run.Commands = []model.RunCommand{
		{Seq: 2, Command: "sleep 9", Status: "timeout"},
		{Seq: 1, Command: "uptime", Status: "success", Output: "up"},
	}
	require.NoError(t, h.Finish(ctx, run))

	got, err = h.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", got.Status)
	assert.Equal(t, int64(3000), got.Duration)
	require.Len(t, got.Commands, 2)
	assert.Equal(t, "uptime", got.Commands[0].Command, "命令按序号排列")
	assert.Equal(t, "r1", got.Commands[1].RunID)
}

// TestHistoryRecent 按开始时间倒序
func TestHistoryRecent(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, h.Begin(ctx, &model.Run{ID: id, Kind: model.RunKindExec, StartTime: base.Add(time.Duration(i) * time.Second)}))
	}

	runs, err := h.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)

	runs, err = h.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestHistoryNotFound(t *testing.T) {
	_, err := newHistory(t).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

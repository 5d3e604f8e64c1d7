package service

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/internal/database"
	"github.com/sshcollectorpro/hopshell/internal/remote"
	"github.com/sshcollectorpro/hopshell/simulate"
)

const simPassword = "S1m-pass"

// startSim 启动模拟主机，返回地址与端口
func startSim(t *testing.T, shell simulate.ShellConfig) (string, int) {
	t.Helper()
	srv, err := simulate.NewServer(simulate.ServerConfig{Password: simPassword, Shell: shell})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testConfig(t *testing.T, targets map[string]config.TargetConfig) *config.Config {
	t.Helper()
	return &config.Config{
		Shell: config.ShellConfig{Timeout: 2 * time.Second, TransferTimeout: 2 * time.Second},
		Runner: config.RunnerConfig{
			Concurrency:    4,
			CommandTimeout: 500 * time.Millisecond,
		},
		Transcript: config.TranscriptConfig{Enabled: true, Backend: "local", BaseDir: t.TempDir(), Prefix: "transcripts"},
		Targets:    targets,
	}
}

func newRunner(t *testing.T, cfg *config.Config, lookup credential.Lookuper) (*RunnerService, *GormHistory) {
	t.Helper()
	db, err := database.Open(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	history := NewGormHistory(db)
	svc := NewRunnerService(cfg, Deps{
		Lookup:      lookup,
		History:     history,
		Transcripts: NewTranscriptWriter(cfg.Transcript, config.MinioConfig{}),
	})
	return svc, history
}

// TestExecute 在配置的目标上执行命令，结果写入历史并归档会话记录
func TestExecute(t *testing.T) {
	host, port := startSim(t, simulate.ShellConfig{
		Hostname: "sim",
		Outputs:  map[string]string{"uptime": "up 3 days"},
	})
	dir := credential.New()
	require.NoError(t, dir.Add(host, "ops", simPassword))

	cfg := testConfig(t, map[string]config.TargetConfig{
		"sim": {Robust: true, Hops: []config.HopConfig{{Kind: "native", Host: host, User: "ops", Port: port}}},
	})
	svc, history := newRunner(t, cfg, dir)

	resp, err := svc.Execute(context.Background(), BatchRequest{
		Targets:  []TargetRequest{{Name: "sim"}},
		Commands: []string{"whoami", "uptime"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.BatchID)
	require.Len(t, resp.Results, 1)

	res := resp.Results[0]
	assert.Equal(t, remote.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "native:ops@"+host, res.Chain)
	require.Len(t, res.Commands, 2)
	assert.Equal(t, "ops", res.Commands[0].Output)
	assert.Equal(t, "up 3 days", res.Commands[1].Output)

	// 会话记录落盘且不含口令
	require.True(t, strings.HasPrefix(res.Transcript, "file://"), res.Transcript)
	data, err := os.ReadFile(strings.TrimPrefix(res.Transcript, "file://"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ops@sim_HOPSHELL> ")
	assert.NotContains(t, string(data), simPassword)

	run, err := history.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, resp.BatchID, run.BatchID)
	assert.Equal(t, remote.StatusSuccess, run.Status)
	assert.Equal(t, 2, run.CommandCount)
	require.Len(t, run.Commands, 2)
	assert.Equal(t, "whoami", run.Commands[0].Command)
	assert.Equal(t, 2, run.Commands[1].Seq)
}

// TestExecuteIsolation 单个目标失败不影响其他目标，结果顺序与请求一致
func TestExecuteIsolation(t *testing.T) {
	host, port := startSim(t, simulate.ShellConfig{Hostname: "sim"})
	cfg := testConfig(t, nil)
	svc, history := newRunner(t, cfg, nil)

	good := TargetRequest{Hops: []HopSpec{{Kind: "native", Host: host, User: "ops", Password: simPassword, Port: port}}}
	bad := TargetRequest{Hops: []HopSpec{{Kind: "native", Host: host, User: "ops", Password: "wrong", Port: port}}}

	resp, err := svc.Execute(context.Background(), BatchRequest{
		Targets:  []TargetRequest{bad, good, {Name: "missing"}},
		Commands: []string{"hostname"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, remote.StatusAuthFailed, resp.Results[0].Status)
	assert.Empty(t, resp.Results[0].Commands)
	assert.Equal(t, remote.StatusSuccess, resp.Results[1].Status, resp.Results[1].Error)
	assert.Equal(t, "sim", resp.Results[1].Commands[0].Output)
	assert.Equal(t, remote.StatusFailed, resp.Results[2].Status)
	assert.Contains(t, resp.Results[2].Error, "unknown target")

	for _, r := range resp.Results {
		assert.NotContains(t, r.Error, simPassword)
	}
	runs, err := history.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

// TestExecuteCommandTimeout 命令超时后会话重新同步，后续命令继续执行
func TestExecuteCommandTimeout(t *testing.T) {
	host, port := startSim(t, simulate.ShellConfig{Hostname: "sim"})
	cfg := testConfig(t, nil)
	svc, _ := newRunner(t, cfg, nil)

	resp, err := svc.Execute(context.Background(), BatchRequest{
		Targets:  []TargetRequest{{Hops: []HopSpec{{Kind: "native", Host: host, User: "ops", Password: simPassword, Port: port}}}},
		Commands: []string{"sleep 30", "whoami"},
	})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.Equal(t, remote.StatusTimeout, res.Status)
	require.Len(t, res.Commands, 2)
	assert.Equal(t, remote.StatusTimeout, res.Commands[0].Status)
	assert.Equal(t, remote.StatusSuccess, res.Commands[1].Status)
	assert.Equal(t, "ops", res.Commands[1].Output)
}

// TestExecuteSwitchUser 登录后切换用户再执行命令
func TestExecuteSwitchUser(t *testing.T) {
	host, port := startSim(t, simulate.ShellConfig{Hostname: "sim", Accounts: map[string]string{"root": "r00t"}})
	cfg := testConfig(t, nil)
	svc, _ := newRunner(t, cfg, nil)
	target := TargetRequest{Hops: []HopSpec{{Kind: "native", Host: host, User: "ops", Password: simPassword, Port: port}}}

	resp, err := svc.Execute(context.Background(), BatchRequest{
		Targets:    []TargetRequest{target},
		Commands:   []string{"whoami"},
		SwitchUser: &SwitchUserRequest{User: "root", Password: "r00t"},
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusSuccess, resp.Results[0].Status, resp.Results[0].Error)
	assert.Equal(t, "root", resp.Results[0].Commands[0].Output)

	resp, err = svc.Execute(context.Background(), BatchRequest{
		Targets:    []TargetRequest{target},
		Commands:   []string{"whoami"},
		SwitchUser: &SwitchUserRequest{User: "root", Password: "bad"},
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusBadPassword, resp.Results[0].Status)
	assert.Empty(t, resp.Results[0].Commands)
}

// TestExecuteInvalidRequest 空目标或空命令直接返回错误
func TestExecuteInvalidRequest(t *testing.T) {
	svc, _ := newRunner(t, testConfig(t, nil), nil)

	_, err := svc.Execute(context.Background(), BatchRequest{Commands: []string{"ls"}})
	assert.ErrorIs(t, err, remote.ErrInvalidChain)

	_, err = svc.Execute(context.Background(), BatchRequest{Targets: []TargetRequest{{Name: "x"}}})
	assert.Error(t, err)
}

// TestExecuteCanceled 已取消的上下文不再登录
func TestExecuteCanceled(t *testing.T) {
	svc, _ := newRunner(t, testConfig(t, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Execute(ctx, BatchRequest{
		Targets:  []TargetRequest{{Hops: []HopSpec{{Kind: "native", Host: "127.0.0.1", Port: 1}}}},
		Commands: []string{"ls"},
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusFailed, resp.Results[0].Status)
	assert.Contains(t, resp.Results[0].Error, "context canceled")
}

// TestTransferValidation 传输方向与最后一跳类型校验
func TestTransferValidation(t *testing.T) {
	svc, _ := newRunner(t, testConfig(t, nil), nil)

	_, err := svc.Transfer(context.Background(), TransferRequest{
		Target:    TargetRequest{Hops: []HopSpec{{Host: "gw"}}},
		Direction: "copy",
	})
	assert.Error(t, err)

	res, err := svc.Transfer(context.Background(), TransferRequest{
		Target:    TargetRequest{Hops: []HopSpec{{Host: "gw"}, {Kind: "telnet", Host: "db"}}},
		Direction: "put",
		Local:     "a",
		Remote:    "b",
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "telnet")
}

// TestUpdateConfig 热更新后新请求使用新的目标
func TestUpdateConfig(t *testing.T) {
	svc, _ := newRunner(t, testConfig(t, nil), nil)
	assert.Empty(t, svc.Resolver().Targets())

	next := testConfig(t, map[string]config.TargetConfig{
		"edge": {Hops: []config.HopConfig{{Kind: "ssh", Host: "edge1", User: "ops"}}},
	})
	svc.UpdateConfig(next)
	infos := svc.Resolver().Targets()
	require.Len(t, infos, 1)
	assert.Equal(t, "edge", infos[0].Name)
	assert.Equal(t, "ssh:ops@edge1", infos[0].Chain)

	dir := credential.New()
	require.NoError(t, dir.Add("edge1", "ops", "pw"))
	svc.UpdateLookup(dir)
	resolved, err := svc.Resolver().Resolve(TargetRequest{Name: "edge"})
	require.NoError(t, err)
	assert.Equal(t, "pw", resolved.Hops[0].Password)
}

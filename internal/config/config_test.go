package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
shell:
  timeout: 10s
  telnet_max_retries: 5
credentials:
  file: /etc/hopshell/passwd.xml
targets:
  db1:
    description: database via gateway
    robust: true
    hops:
      - kind: ssh
        host: gateway
        user: ops
      - kind: telnet
        host: db1
        user: root
        password: ${HOPSHELL_TEST_DB1_PASSWORD}
  web:
    hops:
      - host: web
        user: deploy
        port: 2222
runner:
  concurrency: 4
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoad 读取文件并补全默认值
func TestLoad(t *testing.T) {
	t.Setenv("HOPSHELL_TEST_DB1_PASSWORD", "from-env")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Shell.Timeout)
	assert.Equal(t, 5, cfg.Shell.TelnetMaxRetries)
	assert.Equal(t, "ssh", cfg.Shell.SSHPath, "未配置的路径使用默认值")
	assert.Equal(t, 3*time.Minute, cfg.Shell.TransferTimeout)
	assert.Equal(t, "/etc/hopshell/passwd.xml", cfg.Credentials.File)
	assert.Equal(t, 4, cfg.Runner.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "local", cfg.Transcript.Backend)
	assert.Equal(t, "127.0.0.1:2222", cfg.Simulate.Addr)
	assert.Equal(t, "0.0.0.0:8090", cfg.GetServerAddr())

	db1, ok := cfg.Target("db1")
	require.True(t, ok)
	assert.True(t, db1.Robust)
	require.Len(t, db1.Hops, 2)
	assert.Equal(t, "telnet", db1.Hops[1].Kind)
	assert.Equal(t, "from-env", db1.Hops[1].Password, "${VAR} 形式的口令从环境变量读取")
	assert.Empty(t, db1.Hops[0].Password)

	web, ok := cfg.Target("web")
	require.True(t, ok)
	assert.Equal(t, 2222, web.Hops[0].Port)

	assert.Equal(t, []string{"db1", "web"}, cfg.TargetNames())
}

// TestLoadEnvOverride 环境变量覆盖配置文件
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOPSHELL_RUNNER_CONCURRENCY", "12")
	t.Setenv("HOPSHELL_SHELL_SSH_PATH", "/opt/bin/ssh")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Runner.Concurrency)
	assert.Equal(t, "/opt/bin/ssh", cfg.Shell.SSHPath)
}

// TestLoadInvalid 无效配置
func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"没有跳", "targets:\n  empty:\n    hops: []\n"},
		{"缺少主机", "targets:\n  bad:\n    hops:\n      - user: ops\n"},
		{"端口越界", "targets:\n  bad:\n    hops:\n      - host: a\n        port: 70000\n"},
		{"并发数为零", "runner:\n  concurrency: 0\n"},
		{"未知的记录后端", "transcript:\n  backend: s3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestWatch 文件修改后回调新配置
func TestWatch(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(c *Config) { changed <- c }))

	require.NoError(t, os.WriteFile(path, []byte("runner:\n  concurrency: 2\n"), 0o600))
	select {
	case c := <-changed:
		assert.Equal(t, 2, c.Runner.Concurrency)
		assert.Empty(t, c.Targets)
	case <-time.After(5 * time.Second):
		t.Fatal("未收到配置变更")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/remote"
	"github.com/sshcollectorpro/hopshell/internal/service"
)

// writeConfig 写入带口令目录的临时配置
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	creds := filepath.Join(dir, "passwords.xml")
	require.NoError(t, os.WriteFile(creds, []byte(`<hosts>
  <host name="gateway">
    <user name="ops" passwd="gw-secret"/>
    <host name="db1"><user name="root" passwd="db-secret"/></host>
  </host>
</hosts>`), 0o600))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials:
  file: `+creds+`
targets:
  db1:
    description: database
    robust: true
    hops:
      - {kind: ssh, host: gateway, user: ops}
      - {kind: telnet, host: db1, user: root}
`), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { showSecret = false })
	err := rootCmd.Execute()
	return out.String(), err
}

// TestLookup 退出状态反映是否找到口令，只有 --show 才输出口令
func TestLookup(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "lookup", "gateway/db1", "root")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = execute(t, "--config", cfg, "lookup", "gateway/db1", "root", "--show")
	require.NoError(t, err)
	assert.Equal(t, "db-secret\n", out)

	_, err = execute(t, "--config", cfg, "lookup", "gateway/db2", "root")
	assert.ErrorIs(t, err, errSilent)
}

// TestTargetsCommand 列出目标但不输出口令
func TestTargetsCommand(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "targets")
	require.NoError(t, err)
	assert.Contains(t, out, "db1")
	assert.Contains(t, out, "ssh:ops@gateway -> telnet:root@db1")
	assert.NotContains(t, out, "secret")
}

func TestTargetRequest(t *testing.T) {
	cfg := &config.Config{Targets: map[string]config.TargetConfig{"db1": {}}}

	req, err := targetRequest(cfg, "DB1")
	require.NoError(t, err)
	assert.Equal(t, service.TargetRequest{Name: "DB1"}, req)

	req, err = targetRequest(cfg, "ops@gateway/telnet:root@db2:2323")
	require.NoError(t, err)
	assert.Equal(t, []service.HopSpec{
		{Host: "gateway", User: "ops"},
		{Kind: "telnet", Host: "db2", User: "root", Port: 2323},
	}, req.Hops)

	req, err = targetRequest(cfg, "native:10.0.0.5:2222")
	require.NoError(t, err)
	assert.Equal(t, []service.HopSpec{{Kind: "native", Host: "10.0.0.5", Port: 2222}}, req.Hops)

	_, err = targetRequest(cfg, "gw/ops@")
	assert.ErrorIs(t, err, remote.ErrInvalidChain)
	_, err = targetRequest(cfg, "gw:notaport")
	assert.ErrorIs(t, err, remote.ErrInvalidChain)
}

func TestSplitEntry(t *testing.T) {
	path, user, err := splitEntry("gateway/db1:root")
	require.NoError(t, err)
	assert.Equal(t, "gateway/db1", path)
	assert.Equal(t, "root", user)

	for _, bad := range []string{"gateway", ":root", "gateway:"} {
		_, _, err := splitEntry(bad)
		assert.Error(t, err, bad)
	}
}

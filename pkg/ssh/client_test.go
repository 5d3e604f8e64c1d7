package ssh

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	"github.com/sshcollectorpro/hopshell/simulate"
)

func startSimulator(t *testing.T) (string, int) {
	t.Helper()
	srv, err := simulate.NewServer(simulate.ServerConfig{
		Password: "pw",
		Shell:    simulate.ShellConfig{Hostname: "sim"},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// TestOpenShell 通过原生客户端打开 shell 并执行命令
func TestOpenShell(t *testing.T) {
	host, port := startSimulator(t)

	c := NewClient(&Config{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, &ConnectionInfo{Host: host, Port: port, Username: "ops", Password: "pw"}))
	assert.True(t, c.IsConnected())

	st, err := c.OpenShell(expect.WithTimeout(5 * time.Second))
	require.NoError(t, err)
	prompt := expect.Literal("ops@sim:~$ ")

	_, _, err = st.Expect(0, prompt)
	require.NoError(t, err, "应看到初始提示符")

	require.NoError(t, st.SendLine("hostname"))
	_, before, err := st.Expect(0, prompt)
	require.NoError(t, err)
	assert.Contains(t, before, "sim")

	require.NoError(t, st.SendLine("exit"))
	rest, err := st.ReadAll(0)
	require.NoError(t, err)
	assert.Contains(t, rest, "Connection to sim closed.")

	require.NoError(t, st.Close())
	assert.False(t, c.IsConnected(), "关闭流后连接也应关闭")
}

// TestConnectAuthFailed 口令错误返回 ErrAuthFailed
func TestConnectAuthFailed(t *testing.T) {
	host, port := startSimulator(t)

	c := NewClient(&Config{Timeout: 5 * time.Second})
	err := c.Connect(context.Background(), &ConnectionInfo{Host: host, Port: port, Username: "ops", Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

// TestConnectRefused 端口不可达
func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c := NewClient(&Config{Timeout: 2 * time.Second})
	err = c.Connect(context.Background(), &ConnectionInfo{Host: "127.0.0.1", Port: addr.Port, Username: "ops", Password: "pw"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthFailed)
}

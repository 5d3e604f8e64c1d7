package remote

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/simulate"
)

func startServer(t *testing.T, shell simulate.ShellConfig) Credentials {
	t.Helper()
	srv, err := simulate.NewServer(simulate.ServerConfig{Password: secret, Shell: shell})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Credentials{Host: host, User: "ops", Password: secret, Port: port}
}

// TestNativeLogin 进程内客户端登录、规范化和执行命令
func TestNativeLogin(t *testing.T) {
	creds := startServer(t, simulate.ShellConfig{Hostname: "sim"})
	transcript := &syncBuffer{}
	s, err := NewSession(KindNative, creds, nil, WithTimeout(testTimeout), WithTranscript(transcript))
	require.NoError(t, err)

	require.NoError(t, s.Login(true))
	assert.Equal(t, "sim", s.Hostname())
	assert.Equal(t, []string{"ops"}, s.Users())

	out, err := s.RunCommand("whoami", 0)
	require.NoError(t, err)
	assert.Equal(t, "ops", out)

	require.NoError(t, s.Logout())
	assert.Contains(t, transcript.String(), "ops@sim_HOPSHELL> ")
	assert.NotContains(t, transcript.String(), secret)
}

// TestNativeWrongPassword 口令错误归类为认证失败
func TestNativeWrongPassword(t *testing.T) {
	creds := startServer(t, simulate.ShellConfig{Hostname: "sim"})
	creds.Password = "wrong"
	s, err := NewSession(KindNative, creds, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	err = s.Login(false)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, s.LoggedIn())
}

// TestNativeAsFirstHop 原生客户端作为第一跳，第二跳在其 shell 中启动
func TestNativeAsFirstHop(t *testing.T) {
	creds := startServer(t, simulate.ShellConfig{
		Hostname: "sim",
		Hops:     map[string]simulate.Script{"ssh app@db": simulate.SSHLogin("dbpw", 0, dbShell())},
	})
	m, err := NewMultihop([]Hop{
		{Kind: KindNative, Credentials: creds},
		{Kind: KindSSH, Credentials: Credentials{Host: "db", User: "app", Password: "dbpw"}},
	}, WithTimeout(testTimeout))
	require.NoError(t, err)

	require.NoError(t, m.Login(false))
	out, err := m.RunCommand("hostname", 0)
	require.NoError(t, err)
	assert.Equal(t, "db", out)
	require.NoError(t, m.Logout())
}

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/simulate"
)

func dbShell() simulate.ShellConfig {
	return simulate.ShellConfig{User: "app", Hostname: "db", Accounts: map[string]string{"root": "r00t"}}
}

func twoHops() []Hop {
	return []Hop{
		{Kind: KindSSH, Credentials: gwCreds()},
		{Kind: KindSSH, Credentials: Credentials{Host: "db", User: "app", Password: "dbpw"}},
	}
}

// TestMultihopLogin 两跳登录，命令作用于最后一跳
func TestMultihopLogin(t *testing.T) {
	cfg := gwShell()
	cfg.Hops = map[string]simulate.Script{"ssh app@db": simulate.SSHLogin("dbpw", 1, dbShell())}
	h := newHarness(t, simulate.SSHLogin(secret, 0, cfg))

	m, err := NewMultihop(twoHops(), h.options()...)
	require.NoError(t, err)
	assert.Equal(t, "ssh:ops@gw -> ssh:app@db", m.String())

	require.NoError(t, m.Login(true))
	assert.True(t, m.LoggedIn())
	assert.Equal(t, []string{"app"}, m.Users())
	assert.Equal(t, GenericPrompt, m.Hops()[0].Prompt(), "robust 只作用于最后一跳")
	assert.NotEqual(t, GenericPrompt, m.Prompt())

	out, err := m.RunCommand("hostname", 0)
	require.NoError(t, err)
	assert.Equal(t, "db", out)

	require.NoError(t, m.SwitchUser("root", "r00t", false))
	out, err = m.RunCommand("whoami", 0)
	require.NoError(t, err)
	assert.Equal(t, "root", out)
	require.NoError(t, m.QuitUser())

	require.NoError(t, m.Logout())
	for _, hop := range m.Hops() {
		assert.False(t, hop.LoggedIn())
	}
	assert.Len(t, h.procs, 1, "后续各跳复用第一跳的进程")
	assert.NotContains(t, h.transcript.String(), "dbpw")
}

// TestMultihopRollback 某一跳失败时退出已登录的各跳
func TestMultihopRollback(t *testing.T) {
	tests := []struct {
		name string
		hops map[string]simulate.Script
		want error
	}{
		{
			name: "第二跳口令错误",
			hops: map[string]simulate.Script{"ssh app@db": simulate.SSHLogin("other", 0, dbShell())},
			want: ErrAuth,
		},
		{
			name: "上一跳没有 ssh 命令",
			want: ErrConnect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gwShell()
			cfg.Hops = tt.hops
			h := newHarness(t, simulate.SSHLogin(secret, 0, cfg))

			m, err := NewMultihop(twoHops(), h.options()...)
			require.NoError(t, err)

			err = m.Login(false)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var hopErr *HopError
			require.ErrorAs(t, err, &hopErr)
			assert.Equal(t, 2, hopErr.Index)
			assert.Equal(t, "app@db", hopErr.Target)
			assert.Contains(t, err.Error(), "hop 2")
			for _, hop := range m.Hops() {
				assert.False(t, hop.LoggedIn())
			}
			assert.Equal(t, 1, h.proc(0).host.Count("exit"), "第一跳应正常退出")
		})
	}
}

// TestMultihopFirstHopFails 第一跳失败时不会尝试后续各跳
func TestMultihopFirstHopFails(t *testing.T) {
	h := newHarness(t, simulate.Banner("ssh: connect to host gw port 22: Connection refused"))
	m, err := NewMultihop(twoHops(), h.options()...)
	require.NoError(t, err)

	err = m.Login(false)
	assert.ErrorIs(t, err, ErrConnect)
	var hopErr *HopError
	require.ErrorAs(t, err, &hopErr)
	assert.Equal(t, 1, hopErr.Index)
	assert.Equal(t, StatusConnectFailed, Classify(err))
	assert.False(t, m.LoggedIn())
}

// TestMultihopInvalidChain 链的校验
func TestMultihopInvalidChain(t *testing.T) {
	_, err := NewMultihop(nil)
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = NewMultihop([]Hop{
		{Kind: KindSSH, Credentials: gwCreds()},
		{Kind: KindNative, Credentials: Credentials{Host: "db"}},
	})
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = NewMultihop([]Hop{{Kind: "rsh", Credentials: gwCreds()}})
	assert.ErrorIs(t, err, ErrInvalidChain)

	gw := NewSSH(gwCreds(), nil)
	_, err = NewSession(KindNative, Credentials{Host: "db"}, gw)
	assert.ErrorIs(t, err, ErrInvalidChain)
}

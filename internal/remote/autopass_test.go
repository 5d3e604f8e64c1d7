package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/simulate"
)

// copyScript 模拟 scp 之类只在开始时询问口令的程序
func copyScript(password string, confirmations int, output string) simulate.Script {
	return func(h *simulate.Host) error {
		for i := 0; i < confirmations; i++ {
			if err := h.Write("Are you sure you want to continue connecting (yes/no)? "); err != nil {
				return err
			}
			if _, err := h.ReadCommand(); err != nil {
				return err
			}
		}
		if password != "" {
			for attempt := 0; attempt < 2; attempt++ {
				if err := h.Write("ops@gw's password: "); err != nil {
					return err
				}
				got, err := h.ReadSecret()
				if err != nil || got == simulate.Interrupt {
					return err
				}
				if got == password {
					break
				}
				if err := h.Write("Permission denied, please try again.\r\n"); err != nil {
					return err
				}
				if attempt == 1 {
					return nil
				}
			}
		}
		return h.Write(output)
	}
}

// TestRunWithPassword 应答两次确认和口令后读取全部输出
func TestRunWithPassword(t *testing.T) {
	h := newHarness(t, copyScript(secret, 2, "file1\r\nfile2\r\n"))
	st, err := h.spawn("scp", "gw:/tmp/*", ".")
	require.NoError(t, err)

	out, err := RunWithPassword(st, secret, testTimeout, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "file1\r\nfile2\r\n", out)
	assert.Equal(t, 2, h.proc(0).host.Count("yes"))
	assert.NotContains(t, h.transcript.String(), secret)
}

// TestRunWithPasswordWaitLimit 程序超过等待时长时被中断，返回已有输出和 ErrTimeout
func TestRunWithPasswordWaitLimit(t *testing.T) {
	h := newHarness(t, func(host *simulate.Host) error {
		if err := copyScript(secret, 0, "partial\r\n")(host); err != nil {
			return err
		}
		for {
			line, err := host.ReadLine()
			if err != nil {
				return err
			}
			if line == simulate.Interrupt {
				return host.Write("^C\r\n")
			}
		}
	})
	st, err := h.spawn("rsync", "-a", "gw:/srv/", ".")
	require.NoError(t, err)

	out, err := RunWithPassword(st, secret, testTimeout, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatusTimeout, Classify(err))
	assert.Contains(t, out, "partial")
}

// TestAutoPasswordWithoutPrompt 没有口令提示时直接返回输出
func TestAutoPasswordWithoutPrompt(t *testing.T) {
	h := newHarness(t, copyScript("", 0, "done\r\n"))
	st, err := h.spawn("scp", "a", "gw:")
	require.NoError(t, err)

	out, err := RunWithPassword(st, secret, testTimeout, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "done\r\n", out)
}

// TestAutoPasswordRejected 口令被拒绝后返回 ErrAuth，不再重试
func TestAutoPasswordRejected(t *testing.T) {
	h := newHarness(t, copyScript(secret, 0, "file1\r\n"))
	st, err := h.spawn("scp", "gw:/tmp/*", ".")
	require.NoError(t, err)

	_, err = AutoPassword(st, "wrong", nil, testTimeout)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, h.proc(0).host.Count("wrong"), "口令只发送一次")
	assert.Equal(t, 1, h.proc(0).host.Count(simulate.Interrupt))
}

// TestAutoPasswordFatal 连接失败横幅
func TestAutoPasswordFatal(t *testing.T) {
	h := newHarness(t, simulate.Banner("ssh: connect to host gw port 22: No route to host"))
	st, err := h.spawn("scp", "a", "gw:")
	require.NoError(t, err)

	_, err = AutoPassword(st, secret, nil, testTimeout)
	assert.ErrorIs(t, err, ErrConnect)
}

// TestAutoPasswordInContextShell 在已登录会话中运行，结束标志为会话提示符
func TestAutoPasswordInContextShell(t *testing.T) {
	cfg := gwShell()
	cfg.Hops = map[string]simulate.Script{
		"scp a.txt db:/tmp": copyScript("dbpw", 1, "a.txt  100%\r\n"),
	}
	h := newHarness(t, simulate.SSHLogin(secret, 0, cfg))
	s := NewSSH(gwCreds(), nil, h.options()...)
	require.NoError(t, s.Login(false))

	require.NoError(t, s.stream.SendLine("scp a.txt db:/tmp"))
	out, err := AutoPassword(s.stream, "dbpw", s, testTimeout)
	require.NoError(t, err)
	assert.Contains(t, out, "100%")
	require.NoError(t, s.SyncPrompt())

	got, err := s.RunCommand("echo ok", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	require.NoError(t, s.Logout())
}

// TestAutoPasswordContextNotLoggedIn 上下文会话未登录
func TestAutoPasswordContextNotLoggedIn(t *testing.T) {
	h := newHarness(t, copyScript("", 0, ""))
	st, err := h.spawn("scp")
	require.NoError(t, err)
	defer st.Close()

	_, err = AutoPassword(st, secret, NewSSH(gwCreds(), nil), testTimeout)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

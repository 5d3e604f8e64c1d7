package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// Transfer 文件传输会话
type Transfer interface {
	Login() error
	Logout() error
	Put(local, remote string, timeout time.Duration) error
	Get(remote, local string, timeout time.Duration) error
	LoggedIn() bool
}

// transferFailures 传输客户端报告失败时的输出片段
var transferFailures = []string{
	"not found",
	"No such file",
	"Couldn't",
	"Permission denied",
	"Access failed",
	"Login failed",
}

// ftpSession sftp 与 lftp 的公共部分：启动方式、命令执行和退出
type ftpSession struct {
	kind   string
	creds  Credentials
	parent *Session
	opts   options
	log    *logrus.Entry
	prompt expect.Pattern

	stream expect.Stream
}

func newFTPSession(kind string, creds Credentials, parent *Session, prompt expect.Pattern, opts []Option) ftpSession {
	o := buildOptions(opts)
	if parent != nil {
		o.transcript = nil
	}
	return ftpSession{
		kind:   kind,
		creds:  creds,
		parent: parent,
		opts:   o,
		log:    logger.ForHost(kind, creds.Host, creds.User),
		prompt: prompt,
	}
}

// LoggedIn 是否已登录
func (f *ftpSession) LoggedIn() bool { return f.stream != nil }

func (f *ftpSession) target() string { return f.creds.userHost() }

func (f *ftpSession) open(name string, args ...string) error {
	if f.stream != nil {
		return fmt.Errorf("%w: %s %s", ErrAlreadyLoggedIn, f.kind, f.target())
	}
	if f.parent == nil {
		st, err := f.opts.spawn(name, args...)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConnect, f.target(), err)
		}
		f.stream = st
		return nil
	}
	if !f.parent.LoggedIn() {
		return fmt.Errorf("%w: context shell for %s: %w", ErrConnect, f.target(), ErrNotLoggedIn)
	}
	f.stream = f.parent.stream
	if err := f.stream.SendLine(commandLine(name, args...)); err != nil {
		f.stream = nil
		return fmt.Errorf("%w: %s: %w", ErrConnect, f.target(), err)
	}
	return nil
}

func (f *ftpSession) abort(state sessionState) {
	if f.stream != nil {
		if err := closeStream(f.stream, f.parent, state, f.opts.timeout); err != nil {
			f.log.Debugf("close after failure: %v", err)
		}
	}
	f.stream = nil
}

// loginFailed 与 Session 的处理一致：超时在认证阶段关闭，其余未归类错误视为连接失败
func (f *ftpSession) loginFailed(err error) error {
	switch {
	case errors.Is(err, expect.ErrTimeout):
		f.abort(stateAuth)
		err = fmt.Errorf("%w: %s %s: login: %w", ErrTimeout, f.kind, f.target(), err)
	case !classified(err):
		f.abort(stateContext)
		err = fmt.Errorf("%w: %s %s: %w", ErrConnect, f.kind, f.target(), err)
	default:
		f.stream = nil
	}
	f.log.Warnf("login failed: %v", err)
	return err
}

// docmd 执行一条客户端命令；超时后中断并等待提示符
func (f *ftpSession) docmd(cmd string, timeout time.Duration) (string, error) {
	if f.stream == nil {
		return "", fmt.Errorf("%w: %s %s", ErrNotLoggedIn, f.kind, f.target())
	}
	if timeout == 0 {
		timeout = f.opts.transferTimeout
	}
	if err := f.stream.SendLine(cmd); err != nil {
		f.abort(stateContext)
		return "", fmt.Errorf("%w: %s: %w", ErrConnect, f.target(), err)
	}
	_, before, err := f.stream.Expect(timeout, f.prompt)
	if err == nil {
		out := stripEcho(before)
		logger.DebugCommandOutput(f.log, cmd, out, 5)
		return out, nil
	}
	if !errors.Is(err, expect.ErrTimeout) {
		f.abort(stateContext)
		return "", fmt.Errorf("%w: %s: %w", ErrConnect, f.target(), err)
	}

	f.log.Warnf("%q timed out, interrupting", cmd)
	if cerr := f.stream.SendControl('c'); cerr == nil {
		if _, _, cerr = f.stream.Expect(f.opts.timeout, f.prompt); cerr == nil {
			return "", fmt.Errorf("%w: %s: %q", ErrTimeout, f.target(), cmd)
		}
	}
	f.abort(stateClient)
	return "", fmt.Errorf("%w: %s: %q, resync failed", ErrTimeout, f.target(), cmd)
}

func (f *ftpSession) transfer(cmd string, timeout time.Duration) error {
	start := time.Now()
	out, err := f.docmd(cmd, timeout)
	if err != nil {
		return err
	}
	for _, marker := range transferFailures {
		if strings.Contains(out, marker) {
			return fmt.Errorf("%w: %s: %s", ErrTransfer, cmd, strings.TrimSpace(out))
		}
	}
	f.log.WithField("duration", time.Since(start).String()).Infof("%s done", cmd)
	return nil
}

// Logout 退出客户端
func (f *ftpSession) Logout() error {
	if f.stream == nil {
		return fmt.Errorf("%w: %s %s", ErrNotLoggedIn, f.kind, f.target())
	}
	defer func() { f.stream = nil }()
	if err := closeStream(f.stream, f.parent, stateClient, f.opts.timeout); err != nil {
		return fmt.Errorf("logout %s %s: %w", f.kind, f.target(), err)
	}
	f.log.Infof("logged out")
	return nil
}

// Sftp 通过 sftp 客户端传输文件
type Sftp struct {
	ftpSession
}

var _ Transfer = (*Sftp)(nil)

// NewSftp 创建 sftp 会话；parent 非空时在其 shell 中启动客户端
func NewSftp(creds Credentials, parent *Session, opts ...Option) *Sftp {
	return &Sftp{ftpSession: newFTPSession("sftp", creds, parent, patSftpPrompt, opts)}
}

// Login 启动 sftp 并认证
func (s *Sftp) Login() error {
	var args []string
	if s.creds.Port > 0 {
		args = append(args, "-P", strconv.Itoa(s.creds.Port))
	}
	args = append(args, s.creds.userHost())
	if err := s.open(s.opts.paths.Sftp, args...); err != nil {
		return s.loginFailed(err)
	}
	if err := s.login(); err != nil {
		return s.loginFailed(err)
	}
	s.log.Infof("logged in")
	return nil
}

func (s *Sftp) login() error {
	credential := branch{"password", patCredential, outCredential}
	prompt := branch{"prompt", s.prompt, outPrompt}

	b, _, err := race(s.stream, s.opts.timeout,
		join(fatalBranches(), []branch{{"confirm", patConfirm, outConfirm}, credential, prompt})...)
	if err != nil {
		return err
	}
	switch b.outcome {
	case outFatal:
		s.abort(stateContext)
		return fmt.Errorf("%w: %s: %s", ErrConnect, s.target(), b.name)
	case outPrompt:
		return nil
	case outConfirm:
		if err := s.stream.SendLine("yes"); err != nil {
			return err
		}
		if b, _, err = race(s.stream, s.opts.timeout, credential, prompt); err != nil {
			return err
		}
		if b.outcome == outPrompt {
			return nil
		}
	}

	if err := s.stream.SendSecret(s.creds.Password); err != nil {
		return err
	}
	if b, _, err = race(s.stream, s.opts.timeout, credential, prompt); err != nil {
		return err
	}
	if b.outcome == outCredential {
		s.abort(stateAuth)
		return fmt.Errorf("%w: %s: password rejected", ErrAuth, s.target())
	}
	return nil
}

// Put 上传文件
func (s *Sftp) Put(local, remote string, timeout time.Duration) error {
	return s.transfer(commandLine("put", local, remote), timeout)
}

// Get 下载文件
func (s *Sftp) Get(remote, local string, timeout time.Duration) error {
	return s.transfer(commandLine("get", remote, local), timeout)
}

// Lftp 通过 lftp 的 sftp 协议传输文件，支持断点续传
type Lftp struct {
	ftpSession
}

var _ Transfer = (*Lftp)(nil)

// NewLftp 创建 lftp 会话；parent 非空时在其 shell 中启动客户端
func NewLftp(creds Credentials, parent *Session, opts ...Option) *Lftp {
	return &Lftp{ftpSession: newFTPSession("lftp", creds, parent, patLftpPrompt, opts)}
}

// Login 启动 lftp 并认证。lftp 延迟到第一条命令才连接，
// 所以登录后执行一次 ls 来确认口令。
func (l *Lftp) Login() error {
	url := "sftp://" + l.creds.userHost()
	if l.creds.Port > 0 {
		url += ":" + strconv.Itoa(l.creds.Port)
	}
	if err := l.open(l.opts.paths.Lftp, url); err != nil {
		return l.loginFailed(err)
	}
	if err := l.login(); err != nil {
		return l.loginFailed(err)
	}
	l.log.Infof("logged in")
	return nil
}

func (l *Lftp) login() error {
	b, _, err := race(l.stream, l.opts.timeout,
		join(fatalBranches(), []branch{{"password", patCredential, outCredential}})...)
	if err != nil {
		return err
	}
	if b.outcome == outFatal {
		l.abort(stateContext)
		return fmt.Errorf("%w: %s: %s", ErrConnect, l.target(), b.name)
	}
	if err := l.stream.SendSecret(l.creds.Password); err != nil {
		return err
	}
	if _, _, err := l.stream.Expect(l.opts.timeout, l.prompt); err != nil {
		return err
	}

	if err := l.stream.SendLine("ls"); err != nil {
		return err
	}
	b, _, err = race(l.stream, l.opts.timeout,
		branch{"login failed", patLoginFailed, outRejected},
		branch{"prompt", l.prompt, outPrompt},
	)
	if err != nil {
		return err
	}
	if b.outcome == outRejected {
		l.abort(stateClient)
		return fmt.Errorf("%w: %s: login failed", ErrAuth, l.target())
	}
	// 部分版本在列表结束后会再输出一次提示符；回显标记之后的提示符才是当前的
	if err := l.stream.SendLine("echo " + lftpSyncMarker); err != nil {
		return err
	}
	if _, _, err := l.stream.Expect(l.opts.timeout, patLftpSync); err != nil {
		return err
	}
	_, _, err = l.stream.Expect(l.opts.timeout, l.prompt)
	return err
}

// Put 上传文件
func (l *Lftp) Put(local, remote string, timeout time.Duration) error {
	return l.transfer(commandLine("put", local, "-o", remote), timeout)
}

// Get 下载文件，分段并支持续传
func (l *Lftp) Get(remote, local string, timeout time.Duration) error {
	return l.transfer(commandLine("pget", "-c", remote, "-o", local), timeout)
}

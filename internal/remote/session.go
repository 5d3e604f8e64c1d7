package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// Credentials 目标主机与账户；User 为空时由客户端决定登录名
type Credentials struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"-"`
	Port     int    `json:"port,omitempty"`
}

func (c Credentials) userHost() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// ShellSession 登录后的远端 shell，单跳会话与多跳链都实现它
type ShellSession interface {
	Login(robust bool) error
	Logout() error
	RunCommand(cmd string, timeout time.Duration) (string, error)
	SwitchUser(user, password string, robust bool) error
	QuitUser() error
	SyncPrompt() error
	Interactive(ctx context.Context) error
	LoggedIn() bool
	Prompt() expect.Pattern
	Users() []string
	Depth() int
}

// sessionState 关闭会话时所处的阶段
type sessionState int

const (
	// stateContext 尚未离开上下文 shell（或客户端尚未启动）
	stateContext sessionState = iota
	// stateAuth 认证进行中
	stateAuth
	// stateRemote 位于远端 shell 提示符
	stateRemote
	// stateClient 位于传输客户端提示符
	stateClient
)

// Session 一个远端 shell 会话。可以独占一个本地进程，也可以借用
// 上下文会话的流，在其 shell 中启动客户端。会话不是并发安全的。
type Session struct {
	kind    Kind
	adapter adapter
	creds   Credentials
	parent  *Session
	opts    options
	log     *logrus.Entry

	stream  expect.Stream
	prompts []expect.Pattern
	users   []string

	shellPath string
	hostname  string
}

var _ ShellSession = (*Session)(nil)

// NewSession 创建会话；parent 非空时在其 shell 中连接
func NewSession(kind Kind, creds Credentials, parent *Session, opts ...Option) (*Session, error) {
	a, err := adapterFor(kind)
	if err != nil {
		return nil, err
	}
	if kind == KindNative && parent != nil {
		return nil, fmt.Errorf("%w: native hop %s cannot run inside a context shell", ErrInvalidChain, creds.Host)
	}
	o := buildOptions(opts)
	if parent != nil {
		o.transcript = nil
	}
	return &Session{
		kind:    kind,
		adapter: a,
		creds:   creds,
		parent:  parent,
		opts:    o,
		log:     logger.ForHost(string(kind), creds.Host, creds.User),
	}, nil
}

// NewSSH 通过外部 ssh 客户端连接
func NewSSH(creds Credentials, parent *Session, opts ...Option) *Session {
	s, _ := NewSession(KindSSH, creds, parent, opts...)
	return s
}

// NewTelnet 通过外部 telnet 客户端连接
func NewTelnet(creds Credentials, parent *Session, opts ...Option) *Session {
	s, _ := NewSession(KindTelnet, creds, parent, opts...)
	return s
}

// Kind 连接方式
func (s *Session) Kind() Kind { return s.kind }

// Credentials 目标主机与账户
func (s *Session) Credentials() Credentials { return s.creds }

// Parent 上下文会话，最外层为 nil
func (s *Session) Parent() *Session { return s.parent }

// LoggedIn 是否已登录
func (s *Session) LoggedIn() bool { return s.stream != nil }

// Prompt 当前提示符模式，未登录时为 nil
func (s *Session) Prompt() expect.Pattern {
	if len(s.prompts) == 0 {
		return nil
	}
	return s.prompts[len(s.prompts)-1]
}

// Users 当前用户栈，底部为登录用户
func (s *Session) Users() []string {
	return append([]string(nil), s.users...)
}

// Depth su 嵌套层数，登录后为 1
func (s *Session) Depth() int { return len(s.users) }

// Hostname robust 步骤得到的远端主机名
func (s *Session) Hostname() string { return s.hostname }

func (s *Session) target() string { return s.creds.userHost() }

func (s *Session) pushLevel(prompt expect.Pattern, user string) {
	s.prompts = append(s.prompts, prompt)
	s.users = append(s.users, user)
}

func (s *Session) popLevel() string {
	user := s.users[len(s.users)-1]
	s.prompts = s.prompts[:len(s.prompts)-1]
	s.users = s.users[:len(s.users)-1]
	return user
}

func (s *Session) replacePrompt(p expect.Pattern) {
	s.prompts[len(s.prompts)-1] = p
}

func (s *Session) reset() {
	s.stream = nil
	s.prompts = nil
	s.users = nil
}

// open 启动客户端程序：最外层会话启动本地进程，上下文会话在外层 shell 中执行命令
func (s *Session) open(name string, args ...string) error {
	if s.parent == nil {
		st, err := s.opts.spawn(name, args...)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
		}
		s.stream = st
		return nil
	}
	if !s.parent.LoggedIn() {
		return fmt.Errorf("%w: context shell for %s: %w", ErrConnect, s.target(), ErrNotLoggedIn)
	}
	s.stream = s.parent.stream
	if err := s.stream.SendLine(commandLine(name, args...)); err != nil {
		s.stream = nil
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
	}
	return nil
}

// Login 连接并认证。robust 为 true 时登录后规范化 shell；
// 规范化遇到意外输出返回 ErrRobustSteps，会话仍停留在通用提示符可用。
// 规范化超时返回 ErrTimeout 并退出会话。其他失败都会关闭会话。
func (s *Session) Login(robust bool) error {
	if s.stream != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLoggedIn, s.target())
	}
	start := time.Now()
	s.log.Debugf("login start")

	if err := s.adapter.connect(s); err != nil {
		return s.loginFailed(err)
	}
	s.pushLevel(GenericPrompt, s.creds.User)

	if robust {
		if err := s.robustSteps(); err != nil {
			s.log.Warnf("login normalization failed: %v", err)
			if errors.Is(err, ErrTimeout) {
				s.abort(stateRemote)
			}
			return err
		}
	}
	s.log.WithField("duration", time.Since(start).String()).Infof("logged in")
	return nil
}

func (s *Session) loginFailed(err error) error {
	switch {
	case errors.Is(err, expect.ErrTimeout):
		s.abort(stateAuth)
		err = fmt.Errorf("%w: %s: login: %w", ErrTimeout, s.target(), err)
	case errors.Is(err, expect.ErrEOF):
		s.abort(stateContext)
		err = fmt.Errorf("%w: %s: connection ended unexpectedly: %w", ErrConnect, s.target(), err)
	case !classified(err):
		s.abort(stateContext)
		err = fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
	default:
		s.reset()
	}
	s.log.Warnf("login failed: %v", err)
	return err
}

// abort 在给定阶段关闭会话，忽略关闭过程中的错误
func (s *Session) abort(state sessionState) {
	if s.stream != nil {
		if err := closeStream(s.stream, s.parent, state, s.opts.timeout); err != nil {
			s.log.Debugf("close after failure: %v", err)
		}
	}
	s.reset()
}

// lost 无法恢复同步的会话：最外层直接关闭进程，上下文会话尝试退出
func (s *Session) lost() {
	if s.stream != nil && s.parent == nil {
		_ = s.stream.Close()
		s.reset()
		return
	}
	s.abort(stateRemote)
}

// broken 流读写失败，会话不可用
func (s *Session) broken(err error) error {
	s.log.Warnf("session broken: %v", err)
	s.abort(stateContext)
	return fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
}

// interrupt 超时后发送 Ctrl-C 并重新同步提示符；同步失败则关闭会话
func (s *Session) interrupt(what string) error {
	s.log.Warnf("%q timed out, interrupting", what)
	err := s.stream.SendControl('c')
	if err == nil {
		if _, _, err = s.stream.Expect(s.opts.timeout, s.Prompt()); err == nil {
			return fmt.Errorf("%w: %s: %q", ErrTimeout, s.target(), what)
		}
	}
	s.log.Errorf("resync after interrupt failed, closing session: %v", err)
	s.lost()
	return fmt.Errorf("%w: %s: %q, resync failed: %w", ErrTimeout, s.target(), what, err)
}

func (s *Session) waitFailed(what string, err error) error {
	if errors.Is(err, expect.ErrTimeout) {
		return s.interrupt(what)
	}
	return s.broken(err)
}

// RunCommand 执行命令并返回输出（去掉回显行，换行统一为 \n）。
// 超时后中断命令并重新同步，返回 ErrTimeout。
func (s *Session) RunCommand(cmd string, timeout time.Duration) (string, error) {
	if s.stream == nil {
		return "", fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	if err := s.stream.SendLine(cmd); err != nil {
		return "", s.broken(err)
	}
	_, before, err := s.stream.Expect(timeout, s.Prompt())
	if err != nil {
		return "", s.waitFailed(cmd, err)
	}
	out := stripEcho(before)
	logger.DebugCommandOutput(s.log, cmd, out, 5)
	return out, nil
}

// SyncPrompt 等待当前提示符
func (s *Session) SyncPrompt() error {
	if s.stream == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	if _, _, err := s.stream.Expect(s.opts.timeout, s.Prompt()); err != nil {
		if errors.Is(err, expect.ErrTimeout) {
			return fmt.Errorf("%w: %s: waiting for prompt: %w", ErrTimeout, s.target(), err)
		}
		return s.broken(err)
	}
	return nil
}

// SwitchUser 通过 su 切换用户，成功后压入新的一层
func (s *Session) SwitchUser(user, password string, robust bool) error {
	if s.stream == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	cmd := "su - " + user
	if err := s.stream.SendLine(cmd); err != nil {
		return s.broken(err)
	}

	b, _, err := race(s.stream, s.opts.timeout,
		branch{"unknown id", patUnknownID, outUnknownID},
		branch{"password", patSuPassword, outCredential},
		branch{"prompt", GenericPrompt, outPrompt},
	)
	if err != nil {
		return s.waitFailed(cmd, err)
	}

	switch b.outcome {
	case outUnknownID:
		if err := s.SyncPrompt(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s on %s", ErrUnknownAccount, user, s.creds.Host)
	case outCredential:
		if err := s.stream.SendSecret(password); err != nil {
			return s.broken(err)
		}
		b, _, err = race(s.stream, s.opts.timeout,
			branch{"authentication failure", patAuthFailure, outRejected},
			branch{"su sorry", patSuSorry, outRejected},
			branch{"prompt", GenericPrompt, outPrompt},
		)
		if err != nil {
			return s.waitFailed(cmd, err)
		}
		if b.outcome == outRejected {
			if err := s.SyncPrompt(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s on %s", ErrIncorrectPassword, user, s.creds.Host)
		}
	}
	return s.enterLevel(user, robust)
}

func (s *Session) enterLevel(user string, robust bool) error {
	s.pushLevel(GenericPrompt, user)
	s.log.WithField("depth", len(s.users)).Infof("switched to user %s", user)
	if !robust {
		return nil
	}
	if err := s.robustSteps(); err != nil {
		if !s.LoggedIn() {
			return err
		}
		s.log.Warnf("normalization failed for %s, leaving switched user: %v", user, err)
		if qerr := s.QuitUser(); qerr != nil {
			return errors.Join(err, qerr)
		}
		return err
	}
	return nil
}

// QuitUser 退出最近一次 su
func (s *Session) QuitUser() error {
	if s.stream == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	if len(s.users) <= 1 {
		return fmt.Errorf("%w: %s", ErrNoUserToQuit, s.target())
	}
	if err := s.stream.SendLine("exit"); err != nil {
		return s.broken(err)
	}
	user := s.popLevel()
	s.log.WithField("depth", len(s.users)).Infof("left user %s", user)
	return s.SyncPrompt()
}

// Logout 退出所有 su 层并关闭会话。无论是否出错，返回后会话都处于未登录状态。
func (s *Session) Logout() error {
	if s.stream == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	defer s.reset()

	var errs []error
	for len(s.users) > 1 && s.stream != nil {
		if err := s.QuitUser(); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if s.stream != nil {
		if err := closeStream(s.stream, s.parent, stateRemote, s.opts.timeout); err != nil {
			errs = append(errs, fmt.Errorf("logout %s: %w", s.target(), err))
		}
	}
	s.log.Infof("logged out")
	return errors.Join(errs...)
}

// Interactive 把会话交给本地终端，直到远端结束或 ctx 取消。
// 本地是终端时切换到 raw 模式。远端结束后会话变为未登录。
// ctx 取消后丢弃尚未转发的本地输入，发送 Ctrl-C 清掉远端半行并等待提示符；
// 同步失败则关闭会话。
func (s *Session) Interactive(ctx context.Context) error {
	if s.stream == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.target())
	}
	if f, ok := s.opts.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		old, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set terminal raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), old) }()
	}

	err := s.stream.Interact(ctx, s.opts.stdin, s.opts.stdout)
	if errors.Is(err, io.EOF) {
		s.log.Infof("remote side ended interactive session")
		s.abort(stateContext)
		return nil
	}
	if err != nil && ctx.Err() != nil {
		if rerr := s.resync(); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

func (s *Session) resync() error {
	err := s.stream.SendControl('c')
	if err == nil {
		if _, _, err = s.stream.Expect(s.opts.timeout, s.Prompt()); err == nil {
			return nil
		}
	}
	s.log.Errorf("resync after interactive session failed, closing session: %v", err)
	s.lost()
	return fmt.Errorf("%w: %s: resync after interactive session: %w", ErrConnect, s.target(), err)
}

// closeStream 按阶段关闭流：认证中发送 Ctrl-C，位于提示符时退出。
// 最外层流读完剩余输出后关闭进程；上下文流等待外层提示符重新出现。
func closeStream(st expect.Stream, parent *Session, state sessionState, timeout time.Duration) error {
	var err error
	switch state {
	case stateAuth:
		err = st.SendControl('c')
	case stateRemote:
		if err = st.SendLine("exit"); err == nil {
			if parent == nil {
				_, _, err = st.Expect(timeout, patClosed, expect.EOF)
			} else {
				_, _, err = st.Expect(timeout, patClosed)
			}
		}
	case stateClient:
		err = st.SendLine("exit")
	}

	if parent == nil {
		_, _ = st.ReadAll(timeout)
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}
	if err != nil {
		return err
	}
	prompt := parent.Prompt()
	if prompt == nil {
		return fmt.Errorf("%w: context shell", ErrNotLoggedIn)
	}
	_, _, err = st.Expect(timeout, prompt)
	return err
}

// stripEcho 去掉首尾空白和回显的命令行，换行统一为 \n
func stripEcho(output string) string {
	output = strings.TrimSpace(output)
	i := strings.IndexByte(output, '\n')
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(output[i+1:], "\r\n", "\n")
}

// commandLine 拼接在远端 shell 中执行的命令行
func commandLine(name string, args ...string) string {
	parts := []string{name}
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t'\"$`\\;&|<>*?") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

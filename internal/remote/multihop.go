package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// Hop 链中的一跳
type Hop struct {
	Kind Kind `json:"kind"`
	Credentials
}

// Multihop 逐跳登录的会话链，后一跳在前一跳的 shell 中连接。
// 命令、切换用户和交互都作用于最后一跳。
type Multihop struct {
	hops []*Session
}

var _ ShellSession = (*Multihop)(nil)

// NewMultihop 构造会话链。原生 SSH 只能作为第一跳。
// 选项作用于每一跳，会话记录只由第一跳写入。
func NewMultihop(hops []Hop, opts ...Option) (*Multihop, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}
	m := &Multihop{}
	var parent *Session
	for i, h := range hops {
		if h.Kind == KindNative && i > 0 {
			return nil, fmt.Errorf("%w: native hop %s must be the first hop", ErrInvalidChain, h.Host)
		}
		s, err := NewSession(h.Kind, h.Credentials, parent, opts...)
		if err != nil {
			return nil, err
		}
		m.hops = append(m.hops, s)
		parent = s
	}
	return m, nil
}

// Hops 链上的会话
func (m *Multihop) Hops() []*Session {
	return append([]*Session(nil), m.hops...)
}

// Last 最后一跳
func (m *Multihop) Last() *Session {
	return m.hops[len(m.hops)-1]
}

// String 链的可读形式，例如 ssh:ops@gw -> telnet:root@db
func (m *Multihop) String() string {
	parts := make([]string, len(m.hops))
	for i, h := range m.hops {
		parts[i] = string(h.kind) + ":" + h.target()
	}
	return strings.Join(parts, " -> ")
}

// HopError 多跳链中某一跳登录失败。Err 保留该跳的原始错误，
// 调用方用 errors.Is 判断类别，用 errors.As 取得失败的跳。
type HopError struct {
	// Index 从 1 开始
	Index  int
	Target string
	Err    error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("hop %d (%s): %v", e.Index, e.Target, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Login 依次登录每一跳，robust 只作用于最后一跳。
// 任一跳失败时，按相反顺序退出已登录的各跳，再返回包装该跳错误的 *HopError。
func (m *Multihop) Login(robust bool) error {
	for i, h := range m.hops {
		err := h.Login(robust && i == len(m.hops)-1)
		if err == nil {
			continue
		}
		if h.LoggedIn() {
			if lerr := h.Logout(); lerr != nil {
				h.log.Warnf("rollback logout failed: %v", lerr)
			}
		}
		for j := i - 1; j >= 0; j-- {
			if lerr := m.hops[j].Logout(); lerr != nil {
				m.hops[j].log.Warnf("rollback logout failed: %v", lerr)
			}
		}
		return &HopError{Index: i + 1, Target: h.target(), Err: err}
	}
	return nil
}

// Logout 从最后一跳开始依次退出
func (m *Multihop) Logout() error {
	var errs []error
	for i := len(m.hops) - 1; i >= 0; i-- {
		h := m.hops[i]
		if !h.LoggedIn() {
			continue
		}
		if err := h.Logout(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunCommand 在最后一跳执行命令
func (m *Multihop) RunCommand(cmd string, timeout time.Duration) (string, error) {
	return m.Last().RunCommand(cmd, timeout)
}

// SwitchUser 在最后一跳切换用户
func (m *Multihop) SwitchUser(user, password string, robust bool) error {
	return m.Last().SwitchUser(user, password, robust)
}

// QuitUser 在最后一跳退出切换的用户
func (m *Multihop) QuitUser() error {
	return m.Last().QuitUser()
}

// SyncPrompt 等待最后一跳的提示符
func (m *Multihop) SyncPrompt() error {
	return m.Last().SyncPrompt()
}

// Interactive 交互使用最后一跳；远端结束后整条链都不再可用
func (m *Multihop) Interactive(ctx context.Context) error {
	err := m.Last().Interactive(ctx)
	if !m.Last().LoggedIn() {
		if root := m.hops[0]; root.stream != nil {
			_ = root.stream.Close()
		}
		for _, h := range m.hops {
			h.reset()
		}
	}
	return err
}

// LoggedIn 最后一跳是否已登录
func (m *Multihop) LoggedIn() bool { return m.Last().LoggedIn() }

// Prompt 最后一跳的提示符
func (m *Multihop) Prompt() expect.Pattern { return m.Last().Prompt() }

// Users 最后一跳的用户栈
func (m *Multihop) Users() []string { return m.Last().Users() }

// Depth 最后一跳的用户层数
func (m *Multihop) Depth() int { return m.Last().Depth() }

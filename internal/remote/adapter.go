package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	sshc "github.com/sshcollectorpro/hopshell/pkg/ssh"
)

// Kind 连接方式
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindTelnet Kind = "telnet"
	// KindNative 进程内 SSH 客户端，只能作为第一跳
	KindNative Kind = "native"
)

// ParseKind 解析连接方式，空字符串视为 ssh
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindSSH, nil
	case KindSSH, KindTelnet, KindNative:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown hop kind %q", ErrInvalidChain, s)
	}
}

// adapter 连接并认证。成功时会话的流停在远端通用提示符；
// 已归类的失败（连接、认证）返回前自行关闭流；
// 原始的 expect 错误交给 Login 统一处理。
type adapter interface {
	connect(s *Session) error
}

func adapterFor(kind Kind) (adapter, error) {
	switch kind {
	case KindSSH:
		return sshAdapter{}, nil
	case KindTelnet:
		return telnetAdapter{}, nil
	case KindNative:
		return nativeAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown hop kind %q", ErrInvalidChain, kind)
	}
}

func (s *Session) connectFailed(reason string) error {
	s.abort(stateContext)
	return fmt.Errorf("%w: %s: %s", ErrConnect, s.target(), reason)
}

func (s *Session) authFailed(state sessionState, reason string) error {
	s.abort(state)
	return fmt.Errorf("%w: %s: %s", ErrAuth, s.target(), reason)
}

type sshAdapter struct{}

func (sshAdapter) connect(s *Session) error {
	var args []string
	if s.creds.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.creds.Port))
	}
	args = append(args, s.creds.userHost())
	if err := s.open(s.opts.paths.SSH, args...); err != nil {
		return err
	}

	prompt := branch{"prompt", GenericPrompt, outPrompt}
	credential := branch{"password", patCredential, outCredential}
	confirm := branch{"confirm", patConfirm, outConfirm}

	for confirmations := 0; ; {
		branches := join(fatalBranches(), []branch{credential, prompt})
		if confirmations < s.opts.maxConfirmations {
			branches = append(branches, confirm)
		}
		b, _, err := race(s.stream, s.opts.timeout, branches...)
		if err != nil {
			return err
		}
		switch b.outcome {
		case outFatal:
			return s.connectFailed(b.name)
		case outPrompt:
			return nil
		case outConfirm:
			confirmations++
			s.log.Debugf("accepting host key (%d)", confirmations)
			if err := s.stream.SendLine("yes"); err != nil {
				return err
			}
			continue
		}
		break
	}

	if s.creds.Password == "" {
		return s.authFailed(stateAuth, "password requested but none available")
	}
	if err := s.stream.SendSecret(s.creds.Password); err != nil {
		return err
	}
	b, _, err := race(s.stream, s.opts.timeout, credential, prompt)
	if err != nil {
		return err
	}
	if b.outcome == outCredential {
		return s.authFailed(stateAuth, "password rejected")
	}
	return nil
}

type telnetAdapter struct{}

func (telnetAdapter) connect(s *Session) error {
	args := []string{s.creds.Host}
	if s.creds.Port > 0 {
		args = append(args, strconv.Itoa(s.creds.Port))
	}
	if err := s.open(s.opts.paths.Telnet, args...); err != nil {
		return err
	}

	closed := branch{"connection closed", patClosed, outClosed}
	username := branch{"login", patUsername, outUsername}
	password := branch{"password", patSuPassword, outCredential}
	prompt := branch{"prompt", GenericPrompt, outPrompt}

	b, _, err := race(s.stream, s.opts.timeout,
		branch{"command not found", patCommandNotFound, outFatal},
		branch{"no route to host", patNoRoute, outFatal},
		branch{"connection refused", patRefused, outFatal},
		closed,
		username,
	)
	if err != nil {
		return err
	}
	if b.outcome != outUsername {
		return s.connectFailed(b.name)
	}

	for attempt := 0; ; attempt++ {
		if attempt > s.opts.telnetMaxRetries {
			escapeTelnet(s)
			return fmt.Errorf("%w: %s: login prompt repeated %d times", ErrRetryExhausted, s.target(), attempt)
		}
		if err := s.stream.SendLine(s.creds.User); err != nil {
			return err
		}
		if b, _, err = race(s.stream, s.opts.timeout, closed, password); err != nil {
			return err
		}
		if b.outcome == outClosed {
			if attempt == 0 {
				return s.connectFailed(b.name)
			}
			return s.authFailed(stateContext, b.name)
		}
		if err := s.stream.SendSecret(s.creds.Password); err != nil {
			return err
		}
		if b, _, err = race(s.stream, s.opts.timeout, closed, username, prompt); err != nil {
			return err
		}
		switch b.outcome {
		case outPrompt:
			return nil
		case outClosed:
			return s.authFailed(stateContext, b.name)
		}
		s.log.WithField("attempt", attempt+1).Warnf("telnet login prompt repeated")
	}
}

// escapeTelnet 用转义字符退出 telnet 客户端，然后关闭会话
func escapeTelnet(s *Session) {
	if err := s.stream.SendControl(']'); err == nil {
		if _, _, err := s.stream.Expect(s.opts.timeout, patTelnetEscape); err == nil {
			_ = s.stream.SendLine("quit")
		}
	}
	s.abort(stateContext)
}

type nativeAdapter struct{}

func (nativeAdapter) connect(s *Session) error {
	if s.parent != nil {
		return fmt.Errorf("%w: native hop %s cannot run inside a context shell", ErrInvalidChain, s.creds.Host)
	}
	client := sshc.NewClient(&sshc.Config{
		Timeout:        s.opts.timeout,
		KeepAlive:      s.opts.keepAlive,
		KnownHostsFile: s.opts.knownHostsFile,
	})
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()

	err := client.Connect(ctx, &sshc.ConnectionInfo{
		Host:     s.creds.Host,
		Port:     s.creds.Port,
		Username: s.creds.User,
		Password: s.creds.Password,
	})
	if err != nil {
		if errors.Is(err, sshc.ErrAuthFailed) {
			return fmt.Errorf("%w: %s: %w", ErrAuth, s.target(), err)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
	}

	st, err := client.OpenShell(expect.WithTranscript(s.opts.transcript), expect.WithTimeout(s.opts.timeout))
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.target(), err)
	}
	s.stream = st

	_, _, err = race(s.stream, s.opts.timeout, branch{"prompt", GenericPrompt, outPrompt})
	return err
}

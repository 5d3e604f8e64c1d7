package remote

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// promptMarker 规范化后提示符的固定后缀
const promptMarker = "_HOPSHELL> "

// robustSteps 规范化当前层的 shell：切换到 bash，固定输出语言，
// 设置唯一提示符。远端输出不符合预期时返回 ErrRobustSteps，会话停留在某个已知提示符；
// 步骤超时返回 ErrTimeout；如果会话在此过程中丢失，返回导致丢失的错误。
func (s *Session) robustSteps() error {
	fail := func(step string, err error) error {
		if !s.LoggedIn() {
			return err
		}
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("%s: %s: %w", s.target(), step, err)
		}
		return fmt.Errorf("%w: %s: %s: %w", ErrRobustSteps, s.target(), step, err)
	}
	unexpected := func(step, out string) error {
		return fmt.Errorf("%w: %s: %s: unexpected output %q", ErrRobustSteps, s.target(), step, out)
	}
	quiet := func(cmd string) error {
		out, err := s.RunCommand(cmd, 0)
		if err != nil {
			return fail(cmd, err)
		}
		if out != "" {
			return unexpected(cmd, out)
		}
		return nil
	}

	name, err := s.RunCommand("echo $0", 0)
	if err != nil {
		return fail("detect shell", err)
	}
	if !isBash(name) {
		if s.shellPath == "" {
			p, err := s.RunCommand("which bash", 0)
			if err != nil {
				return fail("locate bash", err)
			}
			p = strings.TrimSpace(p)
			if p == "" || strings.ContainsAny(p, " \t\n") {
				return unexpected("locate bash", p)
			}
			s.shellPath = p
		}
		cmd := "exec " + s.shellPath + " --login"
		if err := s.stream.SendLine(cmd); err != nil {
			return s.broken(err)
		}
		s.replacePrompt(GenericPrompt)
		if _, _, err := s.stream.Expect(s.opts.timeout, GenericPrompt); err != nil {
			return fail("start bash", s.waitFailed(cmd, err))
		}
	}

	if err := quiet("shopt -s huponexit"); err != nil {
		return err
	}
	if err := quiet(`export LC_MESSAGES="POSIX"`); err != nil {
		return err
	}

	if s.hostname == "" {
		h, err := s.RunCommand("hostname", 0)
		if err != nil {
			return fail("hostname", err)
		}
		h = strings.TrimSpace(h)
		if h == "" || strings.ContainsAny(h, " \t\n") {
			return unexpected("hostname", h)
		}
		s.hostname = h
	}

	user := s.users[len(s.users)-1]
	if user == "" {
		w, err := s.RunCommand("whoami", 0)
		if err != nil {
			return fail("whoami", err)
		}
		user = strings.TrimSpace(w)
		if user == "" || strings.ContainsAny(user, " \t\n") {
			return unexpected("whoami", user)
		}
		s.users[len(s.users)-1] = user
	}

	if err := quiet("unset PROMPT_COMMAND"); err != nil {
		return err
	}

	unique := user + "@" + s.hostname + promptMarker
	cmd := `PS1="` + unique + `"`
	if err := s.stream.SendLine(cmd); err != nil {
		return s.broken(err)
	}
	if _, _, err := s.stream.Expect(s.opts.timeout, patPS1Echo); err != nil {
		return fail("set prompt", s.waitFailed(cmd, err))
	}
	p := expect.Regexp(`(?m)^` + regexp.QuoteMeta(unique))
	if _, _, err := s.stream.Expect(s.opts.timeout, p); err != nil {
		return fail("set prompt", s.waitFailed(cmd, err))
	}
	s.replacePrompt(p)
	s.log.WithField("prompt", unique).Debugf("shell normalized")
	return nil
}

func isBash(shell string) bool {
	shell = strings.TrimPrefix(strings.TrimSpace(shell), "-")
	return path.Base(shell) == "bash"
}

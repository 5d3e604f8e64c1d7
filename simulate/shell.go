package simulate

import (
	"fmt"
	"strings"
)

// ShellConfig 模拟 shell 的行为
type ShellConfig struct {
	User     string `mapstructure:"user"`
	Hostname string `mapstructure:"hostname"`
	// Prompt 初始提示符，默认 "user@host:~$ "
	Prompt string `mapstructure:"prompt"`
	// ShellName echo $0 的结果，默认 -bash
	ShellName string `mapstructure:"shell_name"`
	BashPath  string `mapstructure:"bash_path"`
	// Accounts su 可切换的账户及口令
	Accounts map[string]string `mapstructure:"accounts"`
	// Outputs 固定命令的输出
	Outputs map[string]string `mapstructure:"outputs"`
	// Blocking 这些命令不返回，直到收到 Ctrl-C
	Blocking []string `mapstructure:"blocking"`
	// ExitBanner 退出最外层 shell 时输出的横幅
	ExitBanner string `mapstructure:"exit_banner"`
	// Hops 以完整命令行为键的下一跳脚本，例如 "ssh ops@db1"
	Hops map[string]Script `mapstructure:"-"`
}

// Script 在连接上运行的远端脚本
type Script func(h *Host) error

type level struct {
	user      string
	prompt    string
	shellName string
}

type shell struct {
	h      *Host
	cfg    ShellConfig
	levels []level
}

func (c ShellConfig) withDefaults() ShellConfig {
	if c.User == "" {
		c.User = "user"
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.Prompt == "" {
		c.Prompt = defaultPrompt(c.User, c.Hostname)
	}
	if c.ShellName == "" {
		c.ShellName = "-bash"
	}
	if c.BashPath == "" {
		c.BashPath = "/bin/bash"
	}
	if c.ExitBanner == "" {
		c.ExitBanner = fmt.Sprintf("Connection to %s closed.", c.Hostname)
	}
	return c
}

func defaultPrompt(user, host string) string {
	if user == "root" {
		return fmt.Sprintf("%s@%s:~# ", user, host)
	}
	return fmt.Sprintf("%s@%s:~$ ", user, host)
}

// RunShell 运行模拟 shell，直到最外层 exit 或连接出错
func RunShell(h *Host, cfg ShellConfig) error {
	cfg = cfg.withDefaults()
	sh := &shell{
		h:      h,
		cfg:    cfg,
		levels: []level{{user: cfg.User, prompt: cfg.Prompt, shellName: cfg.ShellName}},
	}
	return sh.run()
}

func (sh *shell) top() *level {
	return &sh.levels[len(sh.levels)-1]
}

func (sh *shell) prompt() error {
	return sh.h.Write(sh.top().prompt)
}

func (sh *shell) reply(lines ...string) error {
	for _, l := range lines {
		if err := sh.h.Write(l + "\r\n"); err != nil {
			return err
		}
	}
	return sh.prompt()
}

func (sh *shell) run() error {
	if err := sh.prompt(); err != nil {
		return err
	}
	for {
		cmd, err := sh.h.ReadCommand()
		if err != nil {
			return err
		}
		done, err := sh.handle(strings.TrimSpace(cmd))
		if err != nil || done {
			return err
		}
	}
}

func (sh *shell) handle(cmd string) (bool, error) {
	lv := sh.top()
	fields := strings.Fields(cmd)

	switch {
	case cmd == Interrupt:
		return false, sh.reply("^C")
	case cmd == "":
		return false, sh.prompt()
	case contains(sh.cfg.Blocking, cmd):
		return false, sh.sleep()
	case hasKey(sh.cfg.Outputs, cmd):
		out := strings.ReplaceAll(strings.TrimRight(sh.cfg.Outputs[cmd], "\r\n"), "\n", "\r\n")
		if out == "" {
			return false, sh.prompt()
		}
		return false, sh.reply(out)
	case cmd == "exit" || cmd == "logout":
		if len(sh.levels) > 1 {
			sh.levels = sh.levels[:len(sh.levels)-1]
			return false, sh.reply("logout")
		}
		return true, sh.h.Write("logout\r\n" + sh.cfg.ExitBanner + "\r\n")
	case cmd == "echo $0":
		return false, sh.reply(lv.shellName)
	case fields[0] == "echo":
		return false, sh.reply(strings.TrimSpace(strings.TrimPrefix(cmd, "echo")))
	case cmd == "which bash":
		return false, sh.reply(sh.cfg.BashPath)
	case cmd == "exec "+sh.cfg.BashPath+" --login":
		lv.shellName = "-bash"
		lv.prompt = defaultPrompt(lv.user, sh.cfg.Hostname)
		return false, sh.prompt()
	case cmd == "hostname":
		return false, sh.reply(sh.cfg.Hostname)
	case cmd == "whoami":
		return false, sh.reply(lv.user)
	case strings.HasPrefix(cmd, "PS1="):
		lv.prompt = strings.Trim(strings.TrimPrefix(cmd, "PS1="), `"'`)
		return false, sh.prompt()
	case fields[0] == "shopt" || fields[0] == "export" || fields[0] == "unset":
		return false, sh.prompt()
	case fields[0] == "sleep":
		return false, sh.sleep()
	case fields[0] == "su" && len(fields) == 3 && fields[1] == "-":
		return false, sh.su(fields[2])
	}

	if script, ok := sh.cfg.Hops[cmd]; ok {
		if err := script(sh.h); err != nil {
			return false, err
		}
		return false, sh.prompt()
	}
	return false, sh.reply(fmt.Sprintf("-bash: %s: command not found", fields[0]))
}

// sleep 阻塞直到收到 Ctrl-C
func (sh *shell) sleep() error {
	for {
		line, err := sh.h.ReadLine()
		if err != nil {
			return err
		}
		if line == Interrupt {
			return sh.reply("^C")
		}
	}
}

func (sh *shell) su(user string) error {
	secret, ok := sh.cfg.Accounts[user]
	if !ok {
		return sh.reply(fmt.Sprintf("su: user %s does not exist", user))
	}
	if err := sh.h.Write("Password: "); err != nil {
		return err
	}
	got, err := sh.h.ReadSecret()
	if err != nil {
		return err
	}
	if got == Interrupt {
		return sh.reply("^C")
	}
	if got != secret {
		return sh.reply("su: Authentication failure")
	}
	sh.levels = append(sh.levels, level{
		user:      user,
		prompt:    defaultPrompt(user, sh.cfg.Hostname),
		shellName: "-bash",
	})
	return sh.prompt()
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

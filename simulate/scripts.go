package simulate

import (
	"fmt"
	"strings"
)

// SSHLogin 模拟 ssh 客户端：主机指纹确认 confirmations 次，然后口令认证。
// 口令为空表示免密登录。连续三次口令错误后断开。
func SSHLogin(password string, confirmations int, cfg ShellConfig) Script {
	return func(h *Host) error {
		cfg = cfg.withDefaults()
		for i := 0; i < confirmations; i++ {
			if err := h.Write("The authenticity of host '" + cfg.Hostname + "' can't be established.\r\n" +
				"Are you sure you want to continue connecting (yes/no/[fingerprint])? "); err != nil {
				return err
			}
			answer, err := h.ReadCommand()
			if err != nil || answer == Interrupt {
				return err
			}
			if answer != "yes" {
				return h.Write("Host key verification failed.\r\n")
			}
		}
		if password == "" {
			return RunShell(h, cfg)
		}
		for attempt := 0; attempt < 3; attempt++ {
			if err := h.Writef("%s@%s's password: ", cfg.User, cfg.Hostname); err != nil {
				return err
			}
			got, err := h.ReadSecret()
			if err != nil || got == Interrupt {
				return err
			}
			if got == password {
				return RunShell(h, cfg)
			}
			if err := h.Write("Permission denied, please try again.\r\n"); err != nil {
				return err
			}
		}
		return h.Writef("%s@%s: Permission denied (publickey,password).\r\n", cfg.User, cfg.Hostname)
	}
}

// Banner 只输出一段文本后结束，用于模拟连接失败
func Banner(text string) Script {
	return func(h *Host) error {
		return h.Write(text + "\r\n")
	}
}

// TelnetLogin 模拟 telnet 登录：前 failures 次口令视为错误并重新提示登录
func TelnetLogin(user, password string, failures int, cfg ShellConfig) Script {
	return func(h *Host) error {
		cfg = cfg.withDefaults()
		if cfg.ExitBanner == "" || strings.HasPrefix(cfg.ExitBanner, "Connection to ") {
			cfg.ExitBanner = "Connection closed by foreign host."
		}
		if err := h.Writef("Trying 10.0.0.1...\r\nConnected to %s.\r\nEscape character is '^]'.\r\n\r\n%s login: ",
			cfg.Hostname, cfg.Hostname); err != nil {
			return err
		}
		for {
			name, err := h.ReadCommand()
			if err != nil {
				return err
			}
			if name == Escape {
				return telnetEscape(h)
			}
			if err := h.Write("Password: "); err != nil {
				return err
			}
			got, err := h.ReadSecret()
			if err != nil {
				return err
			}
			if got == Escape {
				return telnetEscape(h)
			}
			if name == user && got == password && failures <= 0 {
				if err := h.Write("Last login: Mon Oct 12 10:00:00 from 10.0.0.2\r\n"); err != nil {
					return err
				}
				return RunShell(h, cfg)
			}
			failures--
			if err := h.Writef("\r\nLogin incorrect\r\n%s login: ", cfg.Hostname); err != nil {
				return err
			}
		}
	}
}

func telnetEscape(h *Host) error {
	if err := h.Write("\r\ntelnet> "); err != nil {
		return err
	}
	if _, err := h.ReadCommand(); err != nil {
		return err
	}
	return h.Write("Connection closed.\r\n")
}

// SftpLogin 模拟 sftp 客户端，files 为远端已有文件
func SftpLogin(user, host, password string, files map[string]bool) Script {
	return func(h *Host) error {
		if err := h.Writef("%s@%s's password: ", user, host); err != nil {
			return err
		}
		got, err := h.ReadSecret()
		if err != nil || got == Interrupt {
			return err
		}
		if got != password {
			if err := h.Write("Permission denied, please try again.\r\n"); err != nil {
				return err
			}
			if err := h.Writef("%s@%s's password: ", user, host); err != nil {
				return err
			}
			_, err := h.ReadSecret()
			return err
		}
		if err := h.Writef("Connected to %s.\r\nsftp> ", host); err != nil {
			return err
		}
		for {
			line, err := h.ReadCommand()
			if err != nil {
				return err
			}
			f := strings.Fields(line)
			switch {
			case line == "exit" || line == "bye":
				return nil
			case len(f) == 0 || line == Interrupt:
				err = h.Write("\r\nsftp> ")
			case len(f) == 3 && f[0] == "put":
				files[f[2]] = true
				err = h.Writef("Uploading %s to %s\r\nsftp> ", f[1], f[2])
			case len(f) == 3 && f[0] == "get":
				if !files[f[1]] {
					err = h.Writef("File \"%s\" not found.\r\nsftp> ", f[1])
				} else {
					err = h.Writef("Fetching %s to %s\r\nsftp> ", f[1], f[2])
				}
			default:
				err = h.Writef("Invalid command.\r\nsftp> ")
			}
			if err != nil {
				return err
			}
		}
	}
}

// LftpLogin 模拟 lftp；口令错误要到第一条命令才会报告
func LftpLogin(user, host, password string, files map[string]bool) Script {
	return func(h *Host) error {
		prompt := fmt.Sprintf("lftp %s@%s:~> ", user, host)
		if err := h.Write("Password: "); err != nil {
			return err
		}
		got, err := h.ReadSecret()
		if err != nil || got == Interrupt {
			return err
		}
		if err := h.Write(prompt); err != nil {
			return err
		}
		for {
			line, err := h.ReadCommand()
			if err != nil {
				return err
			}
			f := strings.Fields(line)
			switch {
			case line == "exit" || line == "bye":
				return nil
			case len(f) == 0 || line == Interrupt:
				err = h.Write(prompt)
			case f[0] == "echo":
				err = h.Write(strings.Join(f[1:], " ") + "\r\n" + prompt)
			case got != password:
				err = h.Write("ls: Login failed: 530 Login incorrect\r\n" + prompt)
			case line == "ls":
				var names []string
				for name := range files {
					names = append(names, name)
				}
				// 与部分 lftp 版本一样在列表后多输出一次提示符
				err = h.Write(strings.Join(append(names, "."), "\r\n") + "\r\n" + prompt + prompt)
			case len(f) == 4 && f[0] == "put" && f[2] == "-o":
				files[f[3]] = true
				err = h.Write(prompt)
			case len(f) == 5 && f[0] == "pget" && f[1] == "-c" && f[3] == "-o":
				if !files[f[2]] {
					err = h.Writef("pget: Access failed: 550 %s: No such file\r\n%s", f[2], prompt)
				} else {
					err = h.Write(prompt)
				}
			default:
				err = h.Writef("Unknown command `%s'.\r\n%s", f[0], prompt)
			}
			if err != nil {
				return err
			}
		}
	}
}

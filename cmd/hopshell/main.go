// Package main is the hopshell command line: interactive and scripted
// sessions over ssh/telnet hop chains.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

var version = "dev"

// Global flags
var (
	configPath string
	debug      bool
)

// errSilent 以非零状态退出，不打印错误
var errSilent = errors.New("silent failure")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hopshell",
	Short: "Log into hosts through ssh/telnet hop chains",
	Long: `hopshell logs into a host through a chain of ssh and telnet hops,
normalizes the remote shell prompt and runs commands, transfers files or
hands the session to the local terminal.

A target is either a name from the config file or an inline chain such as
  ops@gateway/telnet:root@db1:2323`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := "warn"
		if debug {
			level = "debug"
		}
		return logger.Init(logger.Config{Level: level, Format: "text", Output: "console"})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(shellCmd, runCmd, putCmd, getCmd, autopassCmd, lookupCmd, targetsCmd)
}

// loadConfig 读取配置文件
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDirectory 读取配置中的口令目录；未配置时返回 nil
func loadDirectory(cfg *config.Config) (*credential.Directory, error) {
	if cfg.Credentials.File == "" {
		return nil, nil
	}
	return credential.Load(cfg.Credentials.File)
}

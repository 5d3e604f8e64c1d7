package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/internal/model"
	"github.com/sshcollectorpro/hopshell/internal/remote"
	"github.com/sshcollectorpro/hopshell/internal/service"
	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

var (
	robust       bool
	timeoutSec   int
	waitSec      int
	useLftp      bool
	passwordFrom string
	showSecret   bool
)

var shellCmd = &cobra.Command{
	Use:   "shell <target>",
	Short: "Log into a target and hand the session to this terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runShell,
}

var runCmd = &cobra.Command{
	Use:   "run <target> -- <command>...",
	Short: "Run commands on a target, one per argument",
	Example: `  hopshell run db1 -- uptime "df -h"
  hopshell run ops@gateway/root@db1 -- hostname`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommands,
}

var putCmd = &cobra.Command{
	Use:   "put <target> <local> <remote>",
	Short: "Upload a file to the last hop of a target",
	Args:  cobra.ExactArgs(3),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, model.RunKindPut, args) },
}

var getCmd = &cobra.Command{
	Use:   "get <target> <remote> <local>",
	Short: "Download a file from the last hop of a target",
	Args:  cobra.ExactArgs(3),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, model.RunKindGet, args) },
}

var autopassCmd = &cobra.Command{
	Use:   "autopass --password-from <path:user> -- <command> [args]...",
	Short: "Run a local program and answer its password prompt",
	Long: `autopass starts a local program (scp, rsync, git over ssh ...) on a
pseudo terminal, answers host key confirmations and the password prompt
with a secret from the credential directory, and prints the program output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAutopass,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <path> <user>",
	Short: "Check whether the credential directory holds a password",
	Long: `lookup exits with status 0 when the credential directory has a password
for user at the host path (for example gateway/db1), 1 otherwise.
The password is printed only with --show.`,
	Args: cobra.ExactArgs(2),
	RunE: runLookup,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured targets",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func init() {
	shellCmd.Flags().BoolVarP(&robust, "robust", "r", false, "Normalize the remote shell prompt after login")
	runCmd.Flags().BoolVarP(&robust, "robust", "r", false, "Normalize the remote shell prompt after login")
	runCmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 0, "Per-command timeout in seconds (default from config)")
	for _, c := range []*cobra.Command{putCmd, getCmd} {
		c.Flags().BoolVar(&useLftp, "lftp", false, "Use lftp (segmented, resumable) instead of sftp")
		c.Flags().IntVarP(&timeoutSec, "timeout", "t", 0, "Transfer timeout in seconds (default from config)")
	}
	autopassCmd.Flags().StringVarP(&passwordFrom, "password-from", "p", "", "Credential directory entry as path:user")
	autopassCmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 30, "Seconds to wait for the password prompt")
	autopassCmd.Flags().IntVarP(&waitSec, "wait", "w", 3600, "Seconds the program may run after authentication (0 for no limit)")
	_ = autopassCmd.MarkFlagRequired("password-from")
	lookupCmd.Flags().BoolVar(&showSecret, "show", false, "Print the password")
}

// lookuper 未配置口令目录时返回 nil 接口
func lookuper(dir *credential.Directory) credential.Lookuper {
	if dir == nil {
		return nil
	}
	return dir
}

// newRunner 不记录历史的执行服务，会话记录按配置归档
func newRunner(cfg *config.Config) (*service.RunnerService, error) {
	dir, err := loadDirectory(cfg)
	if err != nil {
		return nil, err
	}
	deps := service.Deps{Lookup: lookuper(dir)}
	if cfg.Transcript.Enabled {
		deps.Transcripts = service.NewTranscriptWriter(cfg.Transcript, cfg.Storage.Minio)
	}
	return service.NewRunnerService(cfg, deps), nil
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := loadDirectory(cfg)
	if err != nil {
		return err
	}
	req, err := targetRequest(cfg, args[0])
	if err != nil {
		return err
	}
	target, err := service.NewResolver(cfg.Targets, lookuper(dir)).Resolve(req)
	if err != nil {
		return err
	}
	chain, err := remote.NewMultihop(target.Hops, service.SessionOptions(cfg.Shell, nil)...)
	if err != nil {
		return err
	}
	if err := chain.Login(robust || target.Robust); err != nil {
		return err
	}

	// Ctrl-C 在 raw 模式下直接发往远端
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	err = chain.Interactive(ctx)
	if chain.LoggedIn() {
		if lerr := chain.Logout(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func runCommands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}
	target, err := targetRequest(cfg, args[0])
	if err != nil {
		return err
	}
	req := service.BatchRequest{
		Targets:    []service.TargetRequest{target},
		Commands:   args[1:],
		TimeoutSec: timeoutSec,
	}
	if cmd.Flags().Changed("robust") {
		req.Robust = &robust
	}
	resp, err := runner.Execute(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	res := resp.Results[0]
	for _, c := range res.Commands {
		fmt.Fprintf(out, "$ %s\n", c.Command)
		if c.Output != "" {
			fmt.Fprintln(out, c.Output)
		}
		if c.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", c.Status, c.Error)
		}
	}
	if res.Transcript != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "transcript: %s\n", res.Transcript)
	}
	if res.Status != remote.StatusSuccess {
		return fmt.Errorf("%s: %s", res.Status, res.Error)
	}
	return nil
}

func runTransfer(cmd *cobra.Command, direction string, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}
	target, err := targetRequest(cfg, args[0])
	if err != nil {
		return err
	}
	req := service.TransferRequest{
		Target:     target,
		Direction:  direction,
		Lftp:       useLftp,
		TimeoutSec: timeoutSec,
	}
	if direction == model.RunKindPut {
		req.Local, req.Remote = args[1], args[2]
	} else {
		req.Remote, req.Local = args[1], args[2]
	}
	res, err := runner.Transfer(cmd.Context(), req)
	if err != nil {
		return err
	}
	if res.Status != remote.StatusSuccess {
		return fmt.Errorf("%s: %s", res.Status, res.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s done in %s\n", direction, res.Chain, time.Duration(res.DurationMS)*time.Millisecond)
	return nil
}

// splitEntry path:user，用户名取最后一个冒号之后的部分
func splitEntry(s string) (string, string, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("expected path:user, got %q", s)
	}
	return s[:i], s[i+1:], nil
}

func runAutopass(cmd *cobra.Command, args []string) error {
	path, user, err := splitEntry(passwordFrom)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := loadDirectory(cfg)
	if err != nil {
		return err
	}
	password, ok := dir.Lookup(path, user)
	if !ok {
		return fmt.Errorf("no password for %s at %s in the credential directory", user, path)
	}

	st, err := expect.Spawn(args[0], args[1:], expect.WithTimeout(time.Duration(timeoutSec)*time.Second))
	if err != nil {
		return err
	}
	out, err := remote.RunWithPassword(st, password,
		time.Duration(timeoutSec)*time.Second, time.Duration(waitSec)*time.Second)
	fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

func runLookup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := loadDirectory(cfg)
	if err != nil {
		return err
	}
	secret, ok := dir.Lookup(args[0], args[1])
	if !ok {
		return errSilent
	}
	if showSecret {
		fmt.Fprintln(cmd.OutOrStdout(), secret)
	}
	return nil
}

func runTargets(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROBUST\tCHAIN\tDESCRIPTION")
	for _, t := range service.NewResolver(cfg.Targets, nil).Targets() {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", t.Name, t.Robust, t.Chain, t.Description)
	}
	return w.Flush()
}

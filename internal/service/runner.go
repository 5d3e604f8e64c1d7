package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/internal/model"
	"github.com/sshcollectorpro/hopshell/internal/remote"
	"github.com/sshcollectorpro/hopshell/internal/util"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// StatusSkipped 会话丢失后未执行的命令
const StatusSkipped = "skipped"

// SwitchUserRequest 登录后切换用户
type SwitchUserRequest struct {
	User     string `json:"user" binding:"required"`
	Password string `json:"password,omitempty"`
	Robust   bool   `json:"robust"`
}

// BatchRequest 在多个目标上执行同一组命令
type BatchRequest struct {
	Targets    []TargetRequest    `json:"targets" binding:"required,min=1"`
	Commands   []string           `json:"commands" binding:"required,min=1"`
	Robust     *bool              `json:"robust,omitempty"`
	SwitchUser *SwitchUserRequest `json:"switch_user,omitempty"`
	// TimeoutSec 单条命令超时，0 使用配置
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// CommandResult 一条命令的结果
type CommandResult struct {
	Command    string `json:"command"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// TargetResult 一个目标的结果
type TargetResult struct {
	RunID      string          `json:"run_id"`
	Target     string          `json:"target"`
	Chain      string          `json:"chain"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Commands   []CommandResult `json:"commands"`
	Transcript string          `json:"transcript,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// BatchResponse 批量执行结果，顺序与请求中的目标一致
type BatchResponse struct {
	BatchID string         `json:"batch_id"`
	Results []TargetResult `json:"results"`
}

// TransferRequest 单个目标上的文件传输。多跳目标在倒数第二跳的
// shell 中启动客户端连接最后一跳。
type TransferRequest struct {
	Target TargetRequest `json:"target"`
	// Direction put | get
	Direction string `json:"direction" binding:"required,oneof=put get"`
	Local     string `json:"local" binding:"required"`
	Remote    string `json:"remote" binding:"required"`
	// Lftp 使用 lftp（分段下载与续传）代替 sftp
	Lftp       bool `json:"lftp"`
	TimeoutSec int  `json:"timeout_sec,omitempty"`
}

// TransferResult 传输结果
type TransferResult struct {
	RunID      string `json:"run_id"`
	Target     string `json:"target"`
	Chain      string `json:"chain"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Deps RunnerService 的依赖，均可为空
type Deps struct {
	Lookup      credential.Lookuper
	History     HistoryStore
	Transcripts TranscriptWriter
	// Options 追加到每个会话的选项，测试中用于替换程序启动方式
	Options []remote.Option
}

// RunnerService 在目标上登录并执行命令或传输文件
type RunnerService struct {
	cfg  atomic.Pointer[config.Config]
	deps atomic.Pointer[Deps]
}

// NewRunnerService 创建服务
func NewRunnerService(cfg *config.Config, deps Deps) *RunnerService {
	s := &RunnerService{}
	s.cfg.Store(cfg)
	s.deps.Store(&deps)
	return s
}

// UpdateConfig 配置热更新；进行中的执行继续使用旧配置
func (s *RunnerService) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// UpdateLookup 替换口令目录
func (s *RunnerService) UpdateLookup(lookup credential.Lookuper) {
	d := *s.deps.Load()
	d.Lookup = lookup
	s.deps.Store(&d)
}

// UpdateTranscripts 替换会话记录写入器
func (s *RunnerService) UpdateTranscripts(w TranscriptWriter) {
	d := *s.deps.Load()
	d.Transcripts = w
	s.deps.Store(&d)
}

// Config 当前配置
func (s *RunnerService) Config() *config.Config {
	return s.cfg.Load()
}

// Resolver 基于当前配置的目标解析器
func (s *RunnerService) Resolver() *Resolver {
	return NewResolver(s.cfg.Load().Targets, s.deps.Load().Lookup)
}

// Execute 并发处理各目标，并发数受 runner.concurrency 限制。
// 单个目标失败不影响其他目标；ctx 取消后尚未开始的目标记为失败。
func (s *RunnerService) Execute(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", remote.ErrInvalidChain)
	}
	if len(req.Commands) == 0 {
		return nil, errors.New("no commands")
	}
	cfg := s.cfg.Load()
	deps := s.deps.Load()
	decoder, err := util.NewOutputDecoder(cfg.Runner.OutputCharset)
	if err != nil {
		return nil, err
	}

	resp := &BatchResponse{BatchID: uuid.NewString(), Results: make([]TargetResult, len(req.Targets))}
	log := logger.WithFields(logrus.Fields{"batch": resp.BatchID, "targets": len(req.Targets)})
	log.Infof("batch started")

	var g errgroup.Group
	g.SetLimit(cfg.Runner.Concurrency)
	for i, t := range req.Targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				resp.Results[i] = TargetResult{Target: t.Label(), Status: remote.StatusFailed, Error: err.Error()}
				return nil
			}
			resp.Results[i] = s.runTarget(ctx, cfg, deps, decoder, resp.BatchID, t, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range resp.Results {
		if r.Status != remote.StatusSuccess {
			failed++
		}
	}
	log.WithField("failed", failed).Infof("batch finished")
	return resp, nil
}

type runState struct {
	run        *model.Run
	transcript *lockedBuffer
	log        *logrus.Entry
}

func (s *RunnerService) begin(ctx context.Context, cfg *config.Config, deps *Deps, batchID, kind, label string) *runState {
	rs := &runState{
		run: &model.Run{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			Kind:      kind,
			Target:    label,
			Chain:     label,
			StartTime: time.Now(),
		},
	}
	rs.log = logger.WithFields(logrus.Fields{"run": rs.run.ID, "target": label})
	if cfg.Transcript.Enabled && deps.Transcripts != nil {
		rs.transcript = &lockedBuffer{}
	}
	if deps.History != nil {
		if err := deps.History.Begin(ctx, rs.run); err != nil {
			rs.log.WithField("error", err).Warnf("failed to record run start")
		}
	}
	return rs
}

func (rs *runState) options(cfg *config.Config, deps *Deps) []remote.Option {
	var w io.Writer
	if rs.transcript != nil {
		w = rs.transcript
	}
	return append(SessionOptions(cfg.Shell, w), deps.Options...)
}

// finish 归档会话记录并更新历史
func (rs *runState) finish(ctx context.Context, deps *Deps, err error) {
	run := rs.run
	run.EndTime = time.Now()
	run.Duration = run.EndTime.Sub(run.StartTime).Milliseconds()
	if run.Status == "" || run.Status == model.RunStatusRunning {
		run.Status = remote.Classify(err)
	}
	if err != nil && run.ErrorMsg == "" {
		run.ErrorMsg = err.Error()
	}

	if rs.transcript != nil && rs.transcript.Len() > 0 {
		obj, werr := deps.Transcripts.Write(ctx, TranscriptMeta{
			BatchID: run.BatchID,
			RunID:   run.ID,
			Target:  run.Target,
			Started: run.StartTime,
		}, rs.transcript.Bytes())
		if obj.URI != "" {
			run.Transcript = obj.URI
		}
		if werr != nil {
			rs.log.WithField("error", werr).Warnf("transcript archive")
		}
	}
	if deps.History != nil {
		if herr := deps.History.Finish(ctx, run); herr != nil {
			rs.log.WithField("error", herr).Warnf("failed to record run result")
		}
	}
	entry := rs.log.WithFields(logrus.Fields{"status": run.Status, "duration_ms": run.Duration})
	if run.Status == remote.StatusSuccess {
		entry.Infof("run finished")
	} else {
		entry.Warnf("run finished: %s", run.ErrorMsg)
	}
}

func (s *RunnerService) runTarget(ctx context.Context, cfg *config.Config, deps *Deps, decoder *util.OutputDecoder,
	batchID string, t TargetRequest, req BatchRequest) TargetResult {
	rs := s.begin(ctx, cfg, deps, batchID, model.RunKindExec, t.Label())
	result := TargetResult{RunID: rs.run.ID, Target: rs.run.Target, Commands: []CommandResult{}}

	err := s.execTarget(cfg, deps, decoder, rs, t, req, &result)
	rs.finish(context.WithoutCancel(ctx), deps, err)

	result.Chain = rs.run.Chain
	result.Status = rs.run.Status
	result.Error = rs.run.ErrorMsg
	result.Transcript = rs.run.Transcript
	result.DurationMS = rs.run.Duration
	return result
}

func (s *RunnerService) execTarget(cfg *config.Config, deps *Deps, decoder *util.OutputDecoder, rs *runState,
	t TargetRequest, req BatchRequest, result *TargetResult) error {
	target, err := NewResolver(cfg.Targets, deps.Lookup).Resolve(t)
	if err != nil {
		return err
	}
	chain, err := remote.NewMultihop(target.Hops, rs.options(cfg, deps)...)
	if err != nil {
		return err
	}
	rs.run.Chain = chain.String()

	robust := target.Robust
	if req.Robust != nil {
		robust = *req.Robust
	}
	if err := chain.Login(robust); err != nil {
		if chain.LoggedIn() {
			logoutQuietly(chain, rs.log)
		}
		return err
	}
	defer func() {
		if chain.LoggedIn() {
			logoutQuietly(chain, rs.log)
		}
	}()

	if su := req.SwitchUser; su != nil {
		if err := chain.SwitchUser(su.User, su.Password, su.Robust); err != nil {
			return err
		}
	}

	timeout := cfg.Runner.CommandTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	var first error
	for i, cmd := range req.Commands {
		rc := model.RunCommand{Seq: i + 1, Command: cmd}
		if !chain.LoggedIn() {
			rc.Status = StatusSkipped
		} else {
			start := time.Now()
			out, err := chain.RunCommand(cmd, timeout)
			rc.Duration = time.Since(start).Milliseconds()
			rc.Output = decoder.Decode(out)
			rc.Status = remote.Classify(err)
			if err != nil {
				rc.ErrorMsg = err.Error()
				if first == nil {
					first = err
				}
			}
		}
		rs.run.Commands = append(rs.run.Commands, rc)
		result.Commands = append(result.Commands, CommandResult{
			Command:    rc.Command,
			Status:     rc.Status,
			Output:     rc.Output,
			Error:      rc.ErrorMsg,
			DurationMS: rc.Duration,
		})
	}
	rs.run.CommandCount = len(req.Commands)
	return first
}

func logoutQuietly(s remote.ShellSession, log *logrus.Entry) {
	if err := s.Logout(); err != nil {
		log.WithField("error", err).Warnf("logout failed")
	}
}

// Transfer 在目标上传输一个文件
func (s *RunnerService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	switch req.Direction {
	case model.RunKindPut, model.RunKindGet:
	default:
		return nil, fmt.Errorf("unknown transfer direction %q", req.Direction)
	}
	cfg := s.cfg.Load()
	deps := s.deps.Load()

	rs := s.begin(ctx, cfg, deps, "", req.Direction, req.Target.Label())
	err := s.transfer(cfg, deps, rs, req)
	rs.finish(context.WithoutCancel(ctx), deps, err)

	return &TransferResult{
		RunID:      rs.run.ID,
		Target:     rs.run.Target,
		Chain:      rs.run.Chain,
		Status:     rs.run.Status,
		Error:      rs.run.ErrorMsg,
		DurationMS: rs.run.Duration,
	}, nil
}

func (s *RunnerService) transfer(cfg *config.Config, deps *Deps, rs *runState, req TransferRequest) error {
	target, err := NewResolver(cfg.Targets, deps.Lookup).Resolve(req.Target)
	if err != nil {
		return err
	}
	last := target.Hops[len(target.Hops)-1]
	if last.Kind == remote.KindTelnet {
		return fmt.Errorf("%w: cannot transfer files to telnet hop %s", remote.ErrInvalidChain, last.Host)
	}
	opts := rs.options(cfg, deps)

	var (
		parent *remote.Session
		prefix string
	)
	if len(target.Hops) > 1 {
		chain, err := remote.NewMultihop(target.Hops[:len(target.Hops)-1], opts...)
		if err != nil {
			return err
		}
		if err := chain.Login(false); err != nil {
			return err
		}
		defer logoutQuietly(chain, rs.log)
		parent = chain.Last()
		prefix = chain.String() + " -> "
	}

	var t remote.Transfer
	if req.Lftp {
		t = remote.NewLftp(last.Credentials, parent, opts...)
		rs.run.Chain = prefix + "lftp:" + userHost(last.Credentials)
	} else {
		t = remote.NewSftp(last.Credentials, parent, opts...)
		rs.run.Chain = prefix + "sftp:" + userHost(last.Credentials)
	}
	if err := t.Login(); err != nil {
		return err
	}
	defer func() {
		if t.LoggedIn() {
			if err := t.Logout(); err != nil {
				rs.log.WithField("error", err).Warnf("transfer logout failed")
			}
		}
	}()

	timeout := time.Duration(req.TimeoutSec) * time.Second
	if req.Direction == model.RunKindPut {
		return t.Put(req.Local, req.Remote, timeout)
	}
	return t.Get(req.Remote, req.Local, timeout)
}

func userHost(c remote.Credentials) string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// lockedBuffer 会话记录缓冲，读循环与调用方并发写入
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Recent 最近的执行记录
func (s *RunnerService) Recent(ctx context.Context, limit int) ([]model.Run, error) {
	h := s.deps.Load().History
	if h == nil {
		return []model.Run{}, nil
	}
	return h.Recent(ctx, limit)
}

// Run 按 ID 读取执行记录
func (s *RunnerService) Run(ctx context.Context, id string) (*model.Run, error) {
	h := s.deps.Load().History
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, strings.TrimSpace(id))
	}
	return h.Get(ctx, id)
}

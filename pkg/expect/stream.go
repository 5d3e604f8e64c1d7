package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

var (
	// ErrTimeout 等待输出超时，缓冲区保持不变
	ErrTimeout = errors.New("expect: timeout")
	// ErrEOF 对端已关闭且没有模式匹配
	ErrEOF = errors.New("expect: end of stream")

	errInteractEnded = errors.New("expect: interact ended")
)

// DefaultTimeout 未指定超时时的等待时间
const DefaultTimeout = 30 * time.Second

// Stream 交互式字节流：发送输入、等待模式、透传到终端
type Stream interface {
	Send(s string) error
	SendLine(s string) error
	// SendSecret 发送一行敏感内容，不写入 transcript
	SendSecret(secret string) error
	SendControl(c byte) error
	// Expect 等待任一模式匹配，返回模式索引与匹配前的文本。
	// timeout 为 0 使用默认值，负数表示不限时。
	Expect(timeout time.Duration, patterns ...Pattern) (int, string, error)
	// ReadAll 读取直到对端关闭
	ReadAll(timeout time.Duration) (string, error)
	Interact(ctx context.Context, in io.Reader, out io.Writer) error
	Close() error
}

// Option Expecter 选项
type Option func(*options)

type options struct {
	transcript io.Writer
	timeout    time.Duration
	lineEnding string
	rows, cols uint16
	env        []string
}

func defaultOptions() options {
	return options{
		timeout:    DefaultTimeout,
		lineEnding: "\n",
		rows:       24,
		cols:       512,
	}
}

// WithTranscript 所有收发数据（敏感输入除外）写入 w
func WithTranscript(w io.Writer) Option {
	return func(o *options) { o.transcript = w }
}

// WithTimeout 默认等待超时
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d != 0 {
			o.timeout = d
		}
	}
}

// WithLineEnding SendLine 使用的行结束符
func WithLineEnding(s string) Option {
	return func(o *options) { o.lineEnding = s }
}

// WithWindowSize 伪终端窗口大小；列数较大可避免远端折行
func WithWindowSize(rows, cols uint16) Option {
	return func(o *options) { o.rows, o.cols = rows, cols }
}

// WithEnv 子进程环境变量，默认继承当前进程
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = env }
}

// Expecter Stream 的实现，后台协程持续读取输出到缓冲区
type Expecter struct {
	rw      io.ReadWriteCloser
	opts    options
	cleanup func() error

	mu          sync.Mutex
	buf         []byte
	closed      bool
	readErr     error
	suspended   bool
	passthrough io.Writer

	wmu       sync.Mutex
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Stream = (*Expecter)(nil)

// NewStream 在任意读写流上创建 Expecter
func NewStream(rw io.ReadWriteCloser, opts ...Option) *Expecter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Expecter{
		rw:     rw,
		opts:   o,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Spawn 在伪终端中启动外部程序
func Spawn(name string, args []string, opts ...Option) (*Expecter, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	if o.env != nil {
		cmd.Env = o.env
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: o.rows, Cols: o.cols})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	e := NewStream(ptmx, opts...)
	e.cleanup = func() error {
		select {
		case <-exited:
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill %s: %w", name, err)
		}
		<-exited
		return nil
	}
	return e, nil
}

func (e *Expecter) readLoop() {
	defer close(e.done)
	chunk := make([]byte, 4096)
	for {
		n, err := e.rw.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			data := chunk[:n]
			if e.passthrough != nil {
				_, _ = e.passthrough.Write(data)
			} else {
				e.buf = append(e.buf, data...)
			}
			if e.opts.transcript != nil && !e.suspended {
				_, _ = e.opts.transcript.Write(data)
			}
			e.mu.Unlock()
			e.signal()
		}
		if err != nil {
			// pty 在子进程退出后返回 EIO，同样视为关闭
			e.mu.Lock()
			e.closed = true
			if !errors.Is(err, io.EOF) {
				e.readErr = err
			}
			e.mu.Unlock()
			e.signal()
			return
		}
	}
}

func (e *Expecter) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Expecter) write(data string, record bool) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.writeLocked(data, record)
}

// writeLocked 调用方持有 wmu
func (e *Expecter) writeLocked(data string, record bool) error {
	if _, err := io.WriteString(e.rw, data); err != nil {
		return fmt.Errorf("failed to write to stream: %w", err)
	}
	if record {
		e.mu.Lock()
		if e.opts.transcript != nil && !e.suspended {
			_, _ = io.WriteString(e.opts.transcript, data)
		}
		e.mu.Unlock()
	}
	return nil
}

// Send 发送原始文本
func (e *Expecter) Send(s string) error {
	return e.write(s, true)
}

// SendLine 发送一行
func (e *Expecter) SendLine(s string) error {
	return e.write(s+e.opts.lineEnding, true)
}

// SendSecret 发送敏感内容；期间 transcript 暂停，包括远端回显
func (e *Expecter) SendSecret(secret string) error {
	e.mu.Lock()
	prev := e.suspended
	e.suspended = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.suspended = prev
		e.mu.Unlock()
	}()
	return e.write(secret+e.opts.lineEnding, false)
}

// SendControl 发送控制字符，例如 'c' 对应 Ctrl-C
func (e *Expecter) SendControl(c byte) error {
	return e.write(string([]byte{c & 0x1f}), true)
}

// Expect 等待任一模式出现。匹配时消费缓冲区直到匹配结尾；
// 超时返回 ErrTimeout 并保留缓冲区；对端关闭返回 ErrEOF。
func (e *Expecter) Expect(timeout time.Duration, patterns ...Pattern) (int, string, error) {
	if len(patterns) == 0 {
		return -1, "", errors.New("expect: no patterns given")
	}
	if timeout == 0 {
		timeout = e.opts.timeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		e.mu.Lock()
		idx, start, end := earliest(string(e.buf), e.closed, patterns)
		if idx >= 0 {
			before := string(e.buf[:start])
			e.buf = append([]byte(nil), e.buf[end:]...)
			e.mu.Unlock()
			return idx, before, nil
		}
		if e.closed {
			before := string(e.buf)
			e.buf = nil
			e.mu.Unlock()
			return -1, before, ErrEOF
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-deadline:
			return -1, "", ErrTimeout
		}
	}
}

// ReadAll 读取直到对端关闭，返回剩余全部输出
func (e *Expecter) ReadAll(timeout time.Duration) (string, error) {
	_, before, err := e.Expect(timeout, EOF)
	return before, err
}

// Interact 把流接到本地终端：in 写往远端，远端输出写到 out。
// ctx 取消或 in 结束时返回 nil/ctx 错误；远端关闭时返回 io.EOF。
// 返回后 in 中后续读到的数据一律丢弃，不再转发到远端。
func (e *Expecter) Interact(ctx context.Context, in io.Reader, out io.Writer) error {
	e.mu.Lock()
	pending := e.buf
	e.buf = nil
	closed := e.closed
	e.passthrough = out
	e.mu.Unlock()

	// ended 由 wmu 保护；转发协程可能阻塞在 in.Read 上比 Interact 活得更久
	var ended bool
	defer func() {
		e.wmu.Lock()
		ended = true
		e.wmu.Unlock()
		e.mu.Lock()
		e.passthrough = nil
		e.mu.Unlock()
	}()

	if len(pending) > 0 {
		if _, err := out.Write(pending); err != nil {
			return fmt.Errorf("failed to write pending output: %w", err)
		}
	}
	if closed {
		return io.EOF
	}

	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(writerFunc(func(p []byte) (int, error) {
			e.wmu.Lock()
			defer e.wmu.Unlock()
			if ended {
				return 0, errInteractEnded
			}
			if err := e.writeLocked(string(p), true); err != nil {
				return 0, err
			}
			return len(p), nil
		}), in)
		errc <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return io.EOF
	case err := <-errc:
		return err
	}
}

// Closed 对端是否已关闭
func (e *Expecter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close 关闭流并回收子进程
func (e *Expecter) Close() error {
	e.closeOnce.Do(func() {
		err := e.rw.Close()
		if e.cleanup != nil {
			if cerr := e.cleanup(); cerr != nil && err == nil {
				err = cerr
			}
		}
		select {
		case <-e.done:
		case <-time.After(2 * time.Second):
		}
		if err != nil {
			e.closeErr = fmt.Errorf("failed to close stream: %w", err)
		}
	})
	return e.closeErr
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

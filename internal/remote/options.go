package remote

import (
	"io"
	"os"
	"time"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// Paths 外部客户端程序的路径
type Paths struct {
	SSH    string
	Telnet string
	Sftp   string
	Lftp   string
}

// Spawner 启动外部程序并返回交互流
type Spawner func(name string, args ...string) (expect.Stream, error)

// Option 会话选项
type Option func(*options)

type options struct {
	timeout          time.Duration
	transferTimeout  time.Duration
	transcript       io.Writer
	spawner          Spawner
	paths            Paths
	telnetMaxRetries int
	maxConfirmations int
	keepAlive        time.Duration
	knownHostsFile   string
	stdin            io.Reader
	stdout           io.Writer
}

func defaultOptions() options {
	return options{
		timeout:          30 * time.Second,
		transferTimeout:  3 * time.Minute,
		paths:            Paths{SSH: "ssh", Telnet: "telnet", Sftp: "sftp", Lftp: "lftp"},
		telnetMaxRetries: 3,
		maxConfirmations: 2,
		stdin:            os.Stdin,
		stdout:           os.Stdout,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) spawn(name string, args ...string) (expect.Stream, error) {
	if o.spawner != nil {
		return o.spawner(name, args...)
	}
	e, err := expect.Spawn(name, args, expect.WithTranscript(o.transcript), expect.WithTimeout(o.timeout))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// WithTimeout 等待提示符的默认超时
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTransferTimeout 文件传输的默认超时
func WithTransferTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transferTimeout = d
		}
	}
}

// WithTranscript 会话记录写入 w；口令不会出现在记录中。
// 只对最外层会话生效，上下文会话复用外层的流。
func WithTranscript(w io.Writer) Option {
	return func(o *options) { o.transcript = w }
}

// WithSpawner 替换启动外部程序的方式
func WithSpawner(sp Spawner) Option {
	return func(o *options) { o.spawner = sp }
}

// WithPaths 外部客户端路径，空字段保持默认
func WithPaths(p Paths) Option {
	return func(o *options) {
		if p.SSH != "" {
			o.paths.SSH = p.SSH
		}
		if p.Telnet != "" {
			o.paths.Telnet = p.Telnet
		}
		if p.Sftp != "" {
			o.paths.Sftp = p.Sftp
		}
		if p.Lftp != "" {
			o.paths.Lftp = p.Lftp
		}
	}
}

// WithTelnetMaxRetries telnet 重复出现登录提示时的最大重试次数
func WithTelnetMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.telnetMaxRetries = n
		}
	}
}

// WithKeepAlive 原生 SSH 连接的保活间隔
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithKnownHostsFile 原生 SSH 连接校验主机密钥所用的文件
func WithKnownHostsFile(path string) Option {
	return func(o *options) { o.knownHostsFile = path }
}

// WithTerminal 交互模式使用的本地输入输出
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.stdin = in
		o.stdout = out
	}
}

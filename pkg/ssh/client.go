package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// ErrAuthFailed 服务器拒绝了所有认证方式
var ErrAuthFailed = errors.New("ssh: authentication failed")

// Config SSH配置
type Config struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// KnownHostsFile 为空时不校验主机密钥
	KnownHostsFile string `mapstructure:"known_hosts_file"`
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	KeyFile  string `json:"key_file,omitempty"`
}

// Client SSH客户端，承载一个交互式 shell
type Client struct {
	config     *Config
	connection *ssh.Client
	mutex      sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewClient 创建SSH客户端
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{config: config, stop: make(chan struct{})}
}

func (c *Client) clientConfig(info *ConnectionInfo) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	sshConfig := &ssh.ClientConfig{
		User:            info.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
		Config: ssh.Config{
			// 兼容旧设备的算法放在后面
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
			},
			Ciphers: []string{
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"chacha20-poly1305@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
		},
	}

	if info.KeyFile != "" {
		pem, err := os.ReadFile(info.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		var signer ssh.Signer
		if info.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(info.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}

	if info.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth,
			ssh.Password(info.Password),
			// 部分设备只开放 keyboard-interactive，所有问题都用口令回答
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = info.Password
				}
				return answers, nil
			}),
		)
	}
	return sshConfig, nil
}

// Connect 连接SSH服务器
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	sshConfig, err := c.clientConfig(info)
	if err != nil {
		return err
	}

	port := info.Port
	if port <= 0 {
		port = 22
	}
	address := net.JoinHostPort(info.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%w: %s@%s: %v", ErrAuthFailed, info.Username, address, err)
		}
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}

	c.connection = ssh.NewClient(sshConn, chans, reqs)
	go c.keepAlive()
	return nil
}

// newSessionWithRetry 打开会话通道；部分设备登录后立即打开会返回
// "administratively prohibited"，短延迟重试
func (c *Client) newSessionWithRetry() (*ssh.Session, error) {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("SSH connection not established")
	}

	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			time.Sleep(d)
		}
		sess, err := conn.NewSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if !strings.Contains(strings.ToLower(err.Error()), "prohibited") &&
			!strings.Contains(strings.ToLower(err.Error()), "open failed") {
			break
		}
	}
	return nil, fmt.Errorf("failed to open session: %w", lastErr)
}

// OpenShell 在伪终端中启动远端 shell，返回交互流。
// 关闭返回的流会同时关闭会话和底层连接。
func (c *Client) OpenShell(opts ...expect.Option) (expect.Stream, error) {
	session, err := c.newSessionWithRetry()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"xterm", "vt100", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, 24, 512, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	go func() {
		_ = session.Wait()
		_ = pw.Close()
	}()

	return expect.NewStream(&shellConn{
		Reader: pr,
		Writer: stdin,
		closeFn: func() error {
			_ = stdin.Close()
			_ = session.Close()
			_ = pr.Close()
			return c.Close()
		},
	}, opts...), nil
}

type shellConn struct {
	io.Reader
	io.Writer
	closeFn func() error
}

func (s *shellConn) Close() error { return s.closeFn() }

// Close 关闭SSH连接
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.connection != nil {
		err := c.connection.Close()
		c.connection = nil
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// IsConnected 检查连接状态；用 keepalive 请求探测，不创建会话
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return false
	}
	_, _, err := conn.SendRequest("keepalive@openssh.com", false, nil)
	return err == nil
}

// keepAlive 定期发送保活请求，连接断开后退出
func (c *Client) keepAlive() {
	if c.config.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				_ = c.Close()
				return
			}
		}
	}
}

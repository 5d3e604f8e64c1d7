package simulate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// ServerConfig 模拟 SSH 主机配置
type ServerConfig struct {
	Addr        string      `mapstructure:"addr"`
	Password    string      `mapstructure:"password"`
	HostKeyPath string      `mapstructure:"host_key_path"`
	MaxConn     int         `mapstructure:"max_conn"`
	IdleSeconds int         `mapstructure:"idle_seconds"`
	Shell       ShellConfig `mapstructure:"shell"`
}

// Server 通过 SSH 提供模拟 shell，用于本地演示和测试
type Server struct {
	cfg      ServerConfig
	hostKey  ssh.Signer
	listener net.Listener

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// NewServer 创建模拟主机；HostKeyPath 为空时使用临时主机密钥
func NewServer(cfg ServerConfig) (*Server, error) {
	signer, err := loadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	return &Server{cfg: cfg, hostKey: signer}, nil
}

func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.WithField("file", path).Warnf("simulate host key unreadable, regenerating: %v", err)
		}
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return signer, nil
	}

	block, err := ssh.MarshalPrivateKey(key, "hopshell simulate")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create host key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	logger.WithField("file", path).Infof("simulate host key generated")
	return signer, nil
}

// Start 开始监听
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	logger.WithField("addr", ln.Addr().String()).Infof("simulate server started")

	go s.acceptLoop(ln)
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop 关闭监听并等待所有连接结束
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("simulate accept failed: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
			s.mu.Unlock()
			_ = conn.Close()
			logger.WithField("active", s.active).Warnf("simulate connection rejected, max_conn exceeded")
			continue
		}
		s.active++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}(conn)
	}
}

func (s *Server) checkPassword(user string, password []byte) (*ssh.Permissions, error) {
	if string(password) == s.cfg.Password {
		return nil, nil
	}
	logger.WithField("user", user).Debugf("simulate authentication rejected")
	return nil, fmt.Errorf("access denied")
}

func (s *Server) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return s.checkPassword(meta.User(), password)
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 0 {
				return nil, fmt.Errorf("access denied")
			}
			return s.checkPassword(meta.User(), []byte(answers[0]))
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.WithField("remote", nc.RemoteAddr().String()).Debugf("simulate handshake failed: %v", err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			logger.Warnf("simulate channel accept failed: %v", err)
			continue
		}
		go s.handleSession(channel, requests, conn.User())
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, user string) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			cfg := s.cfg.Shell
			cfg.User = user
			h := NewHost(channel)
			stop := s.idleWatch(h)
			err := RunShell(h, cfg)
			stop()
			if err != nil {
				logger.WithField("user", user).Debugf("simulate shell ended: %v", err)
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// idleWatch 空闲超时后关闭连接；每次收到输入重新计时
func (s *Server) idleWatch(h *Host) func() {
	if s.cfg.IdleSeconds <= 0 {
		return func() {}
	}
	idle := time.Duration(s.cfg.IdleSeconds) * time.Second
	done := make(chan struct{})
	go func() {
		seen := 0
		timer := time.NewTimer(idle)
		defer timer.Stop()
		for {
			select {
			case <-done:
				return
			case <-timer.C:
				if n := len(h.Received()); n != seen {
					seen = n
					timer.Reset(idle)
					continue
				}
				_ = h.Write("\r\nSession closed due to idle timeout.\r\n")
				_ = h.Close()
				return
			}
		}
	}()
	return func() { close(done) }
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/hopshell/pkg/logger"
	"github.com/sshcollectorpro/hopshell/simulate"
)

// DefaultPath 默认配置文件
const DefaultPath = "configs/config.yaml"

// Config 应用配置结构
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Shell       ShellConfig             `mapstructure:"shell"`
	Credentials CredentialsConfig       `mapstructure:"credentials"`
	Targets     map[string]TargetConfig `mapstructure:"targets"`
	Runner      RunnerConfig            `mapstructure:"runner"`
	Database    DatabaseConfig          `mapstructure:"database"`
	Storage     StorageConfig           `mapstructure:"storage"`
	Transcript  TranscriptConfig        `mapstructure:"transcript"`
	Log         logger.Config           `mapstructure:"log"`
	Simulate    SimulateConfig          `mapstructure:"simulate"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ShellConfig 远端会话配置
type ShellConfig struct {
	// Timeout 等待提示符的默认超时
	Timeout         time.Duration `mapstructure:"timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	SSHPath         string        `mapstructure:"ssh_path"`
	TelnetPath      string        `mapstructure:"telnet_path"`
	SftpPath        string        `mapstructure:"sftp_path"`
	LftpPath        string        `mapstructure:"lftp_path"`
	// TelnetMaxRetries telnet 重复出现登录提示的最大重试次数
	TelnetMaxRetries int `mapstructure:"telnet_max_retries"`
	// KnownHostsFile 原生 SSH 跳的主机密钥文件，为空时不校验
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// CredentialsConfig 口令目录
type CredentialsConfig struct {
	File string `mapstructure:"file"`
}

// HopConfig 目标链中的一跳；口令为空时从口令目录补全
type HopConfig struct {
	Kind     string `mapstructure:"kind" json:"kind"`
	Host     string `mapstructure:"host" json:"host"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"-"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
}

// TargetConfig 命名目标：按登录顺序排列的跳
type TargetConfig struct {
	Description string      `mapstructure:"description" json:"description,omitempty"`
	Hops        []HopConfig `mapstructure:"hops" json:"hops"`
	// Robust 登录最后一跳后规范化 shell
	Robust bool `mapstructure:"robust" json:"robust"`
}

// RunnerConfig 批量执行配置
type RunnerConfig struct {
	// Concurrency 同时处理的目标数
	Concurrency    int           `mapstructure:"concurrency"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// OutputCharset 远端输出的字符集（IANA 名称），为空时自动识别
	OutputCharset string `mapstructure:"output_charset"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 对象存储配置
type StorageConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

// MinioConfig 对象存储配置（会话记录归档）
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// TranscriptConfig 会话记录归档
type TranscriptConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend local | minio；minio 不可用时回退到本地
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// SimulateConfig 内置模拟 SSH 服务
type SimulateConfig struct {
	simulate.ServerConfig `mapstructure:",squash"`

	Enable bool `mapstructure:"enable"`
}

// Load 加载配置文件；configPath 为空时在 configs 目录下查找 config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix("HOPSHELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 未指定路径且没有找到配置文件时使用默认值
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config = replaceEnvVars(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)

	v.SetDefault("shell.timeout", 30*time.Second)
	v.SetDefault("shell.transfer_timeout", 3*time.Minute)
	v.SetDefault("shell.ssh_path", "ssh")
	v.SetDefault("shell.telnet_path", "telnet")
	v.SetDefault("shell.sftp_path", "sftp")
	v.SetDefault("shell.lftp_path", "lftp")
	v.SetDefault("shell.telnet_max_retries", 3)
	v.SetDefault("shell.known_hosts_file", "")
	v.SetDefault("shell.keep_alive", 30*time.Second)

	v.SetDefault("credentials.file", "")

	v.SetDefault("runner.concurrency", 8)
	v.SetDefault("runner.command_timeout", 60*time.Second)
	v.SetDefault("runner.output_charset", "")

	v.SetDefault("database.sqlite.path", "./data/hopshell.db")
	v.SetDefault("database.sqlite.max_idle_conns", 1)
	v.SetDefault("database.sqlite.max_open_conns", 1)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.minio.port", 9000)
	v.SetDefault("storage.minio.bucket", "hopshell")

	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.backend", "local")
	v.SetDefault("transcript.base_dir", "./data/transcripts")
	v.SetDefault("transcript.prefix", "transcripts")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/hopshell.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("simulate.enable", false)
	v.SetDefault("simulate.addr", "127.0.0.1:2222")
	v.SetDefault("simulate.max_conn", 16)
	v.SetDefault("simulate.idle_seconds", 300)
}

// replaceEnvVars 把 ${VAR} 形式的口令和密钥替换为环境变量的值
func replaceEnvVars(config Config) Config {
	config.Storage.Minio.AccessKey = expandEnv(config.Storage.Minio.AccessKey)
	config.Storage.Minio.SecretKey = expandEnv(config.Storage.Minio.SecretKey)
	config.Simulate.Password = expandEnv(config.Simulate.Password)
	for user, pw := range config.Simulate.Shell.Accounts {
		config.Simulate.Shell.Accounts[user] = expandEnv(pw)
	}
	config.Credentials.File = expandHome(config.Credentials.File)
	for name, t := range config.Targets {
		hops := make([]HopConfig, len(t.Hops))
		for i, h := range t.Hops {
			h.Password = expandEnv(h.Password)
			hops[i] = h
		}
		t.Hops = hops
		config.Targets[name] = t
	}
	return config
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"))
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Validate 检查目标定义
func (c *Config) Validate() error {
	for name, t := range c.Targets {
		if len(t.Hops) == 0 {
			return fmt.Errorf("target %q has no hops", name)
		}
		for i, h := range t.Hops {
			if strings.TrimSpace(h.Host) == "" {
				return fmt.Errorf("target %q hop %d: host is required", name, i+1)
			}
			if h.Port < 0 || h.Port > 65535 {
				return fmt.Errorf("target %q hop %d: invalid port %d", name, i+1, h.Port)
			}
		}
	}
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be positive, got %d", c.Runner.Concurrency)
	}
	switch c.Transcript.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown transcript backend %q", c.Transcript.Backend)
	}
	return nil
}

// Target 按名称查找目标，名称不区分大小写
func (c *Config) Target(name string) (TargetConfig, bool) {
	t, ok := c.Targets[strings.ToLower(name)]
	return t, ok
}

// TargetNames 按字母序排列的目标名称
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

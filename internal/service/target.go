package service

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/internal/remote"
)

// ErrUnknownTarget 配置中没有该目标
var ErrUnknownTarget = errors.New("unknown target")

// HopSpec 请求中的一跳。口令只用于登录，不会出现在响应和历史中。
type HopSpec struct {
	Kind     string `json:"kind"`
	Host     string `json:"host" binding:"required"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// TargetRequest 按名称引用配置中的目标，或直接给出跳
type TargetRequest struct {
	Name string    `json:"name,omitempty"`
	Hops []HopSpec `json:"hops,omitempty"`
}

// Label 目标的显示名称
func (t TargetRequest) Label() string {
	if t.Name != "" {
		return t.Name
	}
	hosts := make([]string, len(t.Hops))
	for i, h := range t.Hops {
		hosts[i] = h.Host
	}
	return strings.Join(hosts, "/")
}

// ResolvedTarget 口令已补全的跳链
type ResolvedTarget struct {
	Name   string
	Hops   []remote.Hop
	Robust bool
}

// TargetInfo 对外展示的目标，不含口令
type TargetInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Robust      bool         `json:"robust"`
	Chain       string       `json:"chain"`
	Hops        []remote.Hop `json:"hops"`
}

// Resolver 把目标解析为可登录的跳链
type Resolver struct {
	targets map[string]config.TargetConfig
	lookup  credential.Lookuper
}

// NewResolver lookup 可以为 nil，此时不补全口令
func NewResolver(targets map[string]config.TargetConfig, lookup credential.Lookuper) *Resolver {
	return &Resolver{targets: targets, lookup: lookup}
}

// Resolve 解析目标。跳的口令为空时，以从第一跳到该跳的主机路径
// （例如 gateway/db1）在口令目录中查找。
func (r *Resolver) Resolve(req TargetRequest) (ResolvedTarget, error) {
	var (
		specs  []HopSpec
		robust bool
		name   = req.Label()
	)
	switch {
	case req.Name != "" && len(req.Hops) > 0:
		return ResolvedTarget{}, fmt.Errorf("%w: target %q: give either a name or hops", remote.ErrInvalidChain, req.Name)
	case req.Name != "":
		t, ok := r.targets[strings.ToLower(req.Name)]
		if !ok {
			return ResolvedTarget{}, fmt.Errorf("%w: %s", ErrUnknownTarget, req.Name)
		}
		for _, h := range t.Hops {
			specs = append(specs, HopSpec{Kind: h.Kind, Host: h.Host, User: h.User, Password: h.Password, Port: h.Port})
		}
		robust = t.Robust
	case len(req.Hops) > 0:
		specs = req.Hops
	default:
		return ResolvedTarget{}, fmt.Errorf("%w: empty target", remote.ErrInvalidChain)
	}

	hops := make([]remote.Hop, len(specs))
	path := make([]string, 0, len(specs))
	for i, s := range specs {
		kind, err := remote.ParseKind(s.Kind)
		if err != nil {
			return ResolvedTarget{}, fmt.Errorf("target %s hop %d: %w", name, i+1, err)
		}
		host := strings.TrimSpace(s.Host)
		if host == "" {
			return ResolvedTarget{}, fmt.Errorf("%w: target %s hop %d: host is required", remote.ErrInvalidChain, name, i+1)
		}
		path = append(path, host)
		password := s.Password
		if password == "" && r.lookup != nil && s.User != "" {
			if pw, ok := r.lookup.Lookup(strings.Join(path, "/"), s.User); ok {
				password = pw
			}
		}
		hops[i] = remote.Hop{
			Kind:        kind,
			Credentials: remote.Credentials{Host: host, User: s.User, Password: password, Port: s.Port},
		}
	}
	return ResolvedTarget{Name: name, Hops: hops, Robust: robust}, nil
}

// Targets 配置中的全部目标，按名称排序
func (r *Resolver) Targets() []TargetInfo {
	cfg := config.Config{Targets: r.targets}
	infos := make([]TargetInfo, 0, len(r.targets))
	for _, name := range cfg.TargetNames() {
		t := r.targets[name]
		info := TargetInfo{Name: name, Description: t.Description, Robust: t.Robust}
		var chain []string
		for _, h := range t.Hops {
			kind, err := remote.ParseKind(h.Kind)
			if err != nil {
				kind = remote.Kind(h.Kind)
			}
			info.Hops = append(info.Hops, remote.Hop{
				Kind:        kind,
				Credentials: remote.Credentials{Host: h.Host, User: h.User, Port: h.Port},
			})
			user := h.User
			if user != "" {
				user += "@"
			}
			chain = append(chain, string(kind)+":"+user+h.Host)
		}
		info.Chain = strings.Join(chain, " -> ")
		infos = append(infos, info)
	}
	return infos
}

// SessionOptions 由配置构造会话选项
func SessionOptions(shell config.ShellConfig, transcript io.Writer) []remote.Option {
	opts := []remote.Option{
		remote.WithTimeout(shell.Timeout),
		remote.WithTransferTimeout(shell.TransferTimeout),
		remote.WithPaths(remote.Paths{
			SSH:    shell.SSHPath,
			Telnet: shell.TelnetPath,
			Sftp:   shell.SftpPath,
			Lftp:   shell.LftpPath,
		}),
		remote.WithTelnetMaxRetries(shell.TelnetMaxRetries),
		remote.WithKeepAlive(shell.KeepAlive),
		remote.WithKnownHostsFile(shell.KnownHostsFile),
	}
	if transcript != nil {
		opts = append(opts, remote.WithTranscript(transcript))
	}
	return opts
}

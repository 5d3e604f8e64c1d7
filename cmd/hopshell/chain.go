package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/remote"
	"github.com/sshcollectorpro/hopshell/internal/service"
)

// targetRequest 配置中的目标名，或形如 [kind:][user@]host[:port] 以 / 连接的跳链
func targetRequest(cfg *config.Config, arg string) (service.TargetRequest, error) {
	if _, ok := cfg.Target(arg); ok {
		return service.TargetRequest{Name: arg}, nil
	}
	var hops []service.HopSpec
	for _, part := range strings.Split(arg, "/") {
		hop, err := parseHop(part)
		if err != nil {
			return service.TargetRequest{}, fmt.Errorf("target %q: %w", arg, err)
		}
		hops = append(hops, hop)
	}
	return service.TargetRequest{Hops: hops}, nil
}

func parseHop(s string) (service.HopSpec, error) {
	var hop service.HopSpec
	s = strings.TrimSpace(s)
	if kind, rest, ok := strings.Cut(s, ":"); ok {
		if _, err := remote.ParseKind(kind); err == nil {
			hop.Kind = kind
			s = rest
		}
	}
	if user, rest, ok := strings.Cut(s, "@"); ok {
		hop.User = user
		s = rest
	}
	if host, port, ok := strings.Cut(s, ":"); ok {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return hop, fmt.Errorf("%w: invalid port %q", remote.ErrInvalidChain, port)
		}
		hop.Port = p
		s = host
	}
	if s == "" {
		return hop, fmt.Errorf("%w: empty host", remote.ErrInvalidChain)
	}
	hop.Host = s
	return hop, nil
}

package remote

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	"github.com/sshcollectorpro/hopshell/simulate"
)

const testTimeout = 2 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeProc 一次被拦截的程序启动
type fakeProc struct {
	name string
	args []string
	host *simulate.Host
}

// harness 用模拟主机脚本代替本地进程，每次启动按顺序取一个脚本
type harness struct {
	t          *testing.T
	mu         sync.Mutex
	scripts    []simulate.Script
	procs      []*fakeProc
	transcript *syncBuffer
}

func newHarness(t *testing.T, scripts ...simulate.Script) *harness {
	h := &harness{t: t, scripts: scripts, transcript: &syncBuffer{}}
	t.Cleanup(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, p := range h.procs {
			_ = p.host.Close()
		}
	})
	return h
}

func (h *harness) spawn(name string, args ...string) (expect.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.procs) >= len(h.scripts) {
		return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	script := h.scripts[len(h.procs)]
	local, remote := net.Pipe()
	host := simulate.NewHost(remote)
	h.procs = append(h.procs, &fakeProc{name: name, args: args, host: host})
	go func() {
		_ = script(host)
		_ = host.Close()
	}()
	return expect.NewStream(local, expect.WithTranscript(h.transcript), expect.WithTimeout(testTimeout)), nil
}

func (h *harness) proc(i int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[i]
}

func (h *harness) options(extra ...Option) []Option {
	return append([]Option{WithSpawner(h.spawn), WithTimeout(testTimeout)}, extra...)
}

// assertStacks 提示符栈与用户栈深度一致
func assertStacks(t *testing.T, s *Session) {
	t.Helper()
	if len(s.prompts) != len(s.users) {
		t.Fatalf("prompt stack depth %d != user stack depth %d", len(s.prompts), len(s.users))
	}
}

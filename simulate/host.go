package simulate

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// Interrupt 收到 Ctrl-C 时 ReadLine 返回的标记
	Interrupt = "\x03"
	// Escape 收到 Ctrl-] (telnet 转义字符) 时返回的标记
	Escape = "\x1d"
)

// Host 模拟远端终端：按行读取输入，写回输出。
// 普通输入会回显，口令输入不回显，行为与伪终端一致。
type Host struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader

	skipLF bool

	mu       sync.Mutex
	received []string
}

// NewHost 包装连接
func NewHost(rw io.ReadWriteCloser) *Host {
	return &Host{rw: rw, r: bufio.NewReader(rw)}
}

// Write 输出文本
func (h *Host) Write(s string) error {
	_, err := io.WriteString(h.rw, s)
	return err
}

// Writef 格式化输出
func (h *Host) Writef(format string, args ...interface{}) error {
	return h.Write(fmt.Sprintf(format, args...))
}

// ReadLine 读取一行（不含行结束符），不回显。
// 遇到 Ctrl-C 或 Ctrl-] 立即返回对应标记并丢弃未完成的行。
func (h *Host) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := h.r.ReadByte()
		if err != nil {
			return "", err
		}
		skip := h.skipLF && b == '\n'
		h.skipLF = false
		if skip {
			continue
		}
		switch b {
		case Interrupt[0], Escape[0]:
			h.record(string(b))
			return string(b), nil
		case '\r', '\n':
			h.skipLF = b == '\r'
			line := sb.String()
			h.record(line)
			return line, nil
		default:
			sb.WriteByte(b)
		}
	}
}

// ReadCommand 读取一行并回显
func (h *Host) ReadCommand() (string, error) {
	line, err := h.ReadLine()
	if err != nil || line == Interrupt || line == Escape {
		return line, err
	}
	return line, h.Write(line + "\r\n")
}

// ReadSecret 读取口令，只回显换行
func (h *Host) ReadSecret() (string, error) {
	line, err := h.ReadLine()
	if err != nil || line == Interrupt || line == Escape {
		return line, err
	}
	return line, h.Write("\r\n")
}

// Received 已收到的全部输入行，包括口令
func (h *Host) Received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.received...)
}

// Count 统计收到某一行的次数
func (h *Host) Count(line string) int {
	n := 0
	for _, l := range h.Received() {
		if l == line {
			n++
		}
	}
	return n
}

// Close 关闭连接
func (h *Host) Close() error {
	return h.rw.Close()
}

func (h *Host) record(line string) {
	h.mu.Lock()
	h.received = append(h.received, line)
	h.mu.Unlock()
}

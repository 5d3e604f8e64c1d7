package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Excerpt 命令输出的头尾摘要
type Excerpt struct {
	Head  []string `json:"head"`
	Tail  []string `json:"tail"`
	Lines int      `json:"lines"`
}

// Summarize 提取输出的前后各 maxLines 行；行数不超过 maxLines 时 Tail 为空
func Summarize(output string, maxLines int) Excerpt {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return Excerpt{}
	}

	lines := strings.Split(output, "\n")
	ex := Excerpt{Lines: len(lines)}
	if len(lines) <= maxLines {
		ex.Head = lines
		return ex
	}
	ex.Head = lines[:maxLines]
	ex.Tail = lines[len(lines)-maxLines:]
	return ex
}

// String 单行形式，用于日志
func (e Excerpt) String() string {
	if len(e.Tail) == 0 {
		return "[" + strings.Join(e.Head, " ⟩ ") + "]"
	}
	return "[" + strings.Join(e.Head, " ⟩ ") + "] ... [" + strings.Join(e.Tail, " ⟩ ") + "]"
}

// DebugCommandOutput 在 debug 级别记录命令输出摘要
func DebugCommandOutput(entry *logrus.Entry, command, output string, maxLines int) {
	if entry == nil || !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	ex := Summarize(output, maxLines)
	if ex.Lines == 0 {
		return
	}
	entry.WithField("lines", ex.Lines).Debugf("command output [%s]: %s", command, ex)
}

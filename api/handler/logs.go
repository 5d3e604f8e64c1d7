package handler

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/hopshell/internal/config"
)

// LogsHandler 日志查询处理器
type LogsHandler struct {
	config func() *config.Config
}

// NewLogsHandler cfg 返回当前配置，热更新后日志路径随之变化
func NewLogsHandler(cfg func() *config.Config) *LogsHandler { return &LogsHandler{config: cfg} }

// TailLogs 返回日志文件末尾的 limit 行，可按关键字和级别过滤
func (h *LogsHandler) TailLogs(c *gin.Context) {
	cfg := h.config()
	if cfg == nil {
		fail(c, http.StatusInternalServerError, "CONFIG_MISSING", "配置未初始化")
		return
	}
	path := strings.TrimSpace(cfg.Log.FilePath)
	if path == "" {
		fail(c, http.StatusBadRequest, "LOG_PATH_EMPTY", "日志路径未配置")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := strings.ToLower(strings.TrimSpace(c.Query("q")))
	lvl := strings.ToLower(strings.TrimSpace(c.Query("level")))

	tail, err := tailLines(path, limit, func(ln string) bool {
		lc := strings.ToLower(ln)
		if q != "" && !strings.Contains(lc, q) {
			return false
		}
		// json 与 text 两种格式
		return lvl == "" || strings.Contains(lc, `"level":"`+lvl+`"`) || strings.Contains(lc, "level="+lvl)
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "READ_FAILED", "读取日志失败: "+err.Error())
		return
	}
	ok(c, "获取日志成功", gin.H{"path": path, "count": len(tail), "lines": tail})
}

// tailLines 保留最后 limit 条满足 keep 的行
func tailLines(path string, limit int, keep func(string) bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for s.Scan() {
		if !keep(s.Text()) {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

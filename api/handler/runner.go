package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/hopshell/internal/database"
	"github.com/sshcollectorpro/hopshell/internal/service"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// RunnerHandler 执行、传输与历史查询
type RunnerHandler struct {
	runner  *service.RunnerService
	started time.Time
}

// NewRunnerHandler 创建处理器
func NewRunnerHandler(runner *service.RunnerService) *RunnerHandler {
	return &RunnerHandler{runner: runner, started: time.Now()}
}

// Health 健康检查
// @Summary 服务健康检查
// @Tags system
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/v1/health [get]
func (h *RunnerHandler) Health(c *gin.Context) {
	status, db := "healthy", "disabled"
	code := http.StatusOK
	if database.GetDB() != nil {
		db = "ok"
		if err := database.Health(); err != nil {
			status, db = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":   status,
		"database": db,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

// Exec 在一个或多个目标上执行命令
// @Summary 批量执行命令
// @Tags runner
// @Accept json
// @Produce json
// @Param request body service.BatchRequest true "执行请求"
// @Success 200 {object} service.BatchResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/exec [post]
func (h *RunnerHandler) Exec(c *gin.Context) {
	var req service.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.WithField("error", err).Warnf("invalid exec request")
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数无效: "+err.Error())
		return
	}
	resp, err := h.runner.Execute(c.Request.Context(), req)
	if err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Transfer 通过 sftp 或 lftp 传输文件
// @Summary 文件传输
// @Tags runner
// @Accept json
// @Produce json
// @Param request body service.TransferRequest true "传输请求"
// @Success 200 {object} service.TransferResult
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/transfer [post]
func (h *RunnerHandler) Transfer(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.WithField("error", err).Warnf("invalid transfer request")
		fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数无效: "+err.Error())
		return
	}
	res, err := h.runner.Transfer(c.Request.Context(), req)
	if err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

// Targets 配置中的目标
// @Router /api/v1/targets [get]
func (h *RunnerHandler) Targets(c *gin.Context) {
	ok(c, "获取目标成功", h.runner.Resolver().Targets())
}

// Runs 最近的执行记录
// @Router /api/v1/runs [get]
func (h *RunnerHandler) Runs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, "INVALID_LIMIT", "limit 必须是正整数")
		return
	}
	runs, err := h.runner.Recent(c.Request.Context(), limit)
	if err != nil {
		logger.WithField("error", err).Errorf("failed to list runs")
		fail(c, http.StatusInternalServerError, "QUERY_FAILED", "查询执行记录失败: "+err.Error())
		return
	}
	ok(c, "获取执行记录成功", gin.H{"count": len(runs), "runs": runs})
}

// GetRun 按 ID 查询执行记录及命令明细
// @Router /api/v1/runs/{id} [get]
func (h *RunnerHandler) GetRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.runner.Run(c.Request.Context(), id)
	if errors.Is(err, service.ErrRunNotFound) {
		fail(c, http.StatusNotFound, "RUN_NOT_FOUND", "执行记录不存在: "+id)
		return
	}
	if err != nil {
		logger.WithField("run", id).Errorf("failed to load run: %v", err)
		fail(c, http.StatusInternalServerError, "QUERY_FAILED", "查询执行记录失败: "+err.Error())
		return
	}
	ok(c, "获取执行记录成功", run)
}

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"CipherSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SyncHandler 同步管线的运维接口：回填触发、单市场强制同步、健康检查
type SyncHandler struct {
	scheduler *service.Scheduler
	logger    *logrus.Logger
}

// NewSyncHandler 创建 SyncHandler
func NewSyncHandler(scheduler *service.Scheduler, logger *logrus.Logger) *SyncHandler {
	return &SyncHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

type backfillRequest struct {
	FromBlock uint64 `json:"from_block" binding:"required"`
	ToBlock   uint64 `json:"to_block"` // 0 表示到最新块
}

// TriggerBackfill 触发历史回填（异步执行，立即返回 202）
// POST /api/sync/backfill
func (h *SyncHandler) TriggerBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ToBlock != 0 && req.ToBlock < req.FromBlock {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_block 必须不小于 from_block"})
		return
	}

	if err := h.scheduler.TriggerBackfill(req.FromBlock, req.ToBlock); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": fmt.Sprintf("回填已触发：区块 %d 起", req.FromBlock),
	})
}

// CancelBackfill 取消进行中的回填
// POST /api/sync/backfill/cancel
func (h *SyncHandler) CancelBackfill(c *gin.Context) {
	h.scheduler.CancelBackfill()
	c.JSON(http.StatusOK, gin.H{"message": "回填已取消"})
}

// SyncBet 强制重新同步单个市场镜像
// POST /api/sync/bets/:contract_bet_id
func (h *SyncHandler) SyncBet(c *gin.Context) {
	betID, err := strconv.ParseUint(c.Param("contract_bet_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contract_bet_id 必须为数字"})
		return
	}

	if err := h.scheduler.SyncBetNow(c.Request.Context(), betID); err != nil {
		h.logger.Errorf("同步市场 %d 失败: %v", betID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("市场 %d 同步成功", betID),
	})
}

// Health 管线健康状态
// GET /api/health
func (h *SyncHandler) Health(c *gin.Context) {
	status, err := h.scheduler.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

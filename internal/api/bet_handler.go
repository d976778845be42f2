package api

import (
	"errors"
	"net/http"
	"strconv"

	"CipherSync/internal/repository"
	"CipherSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BetHandler 提供给前端的市场聚合与用户持仓查询接口
type BetHandler struct {
	agg    *service.AggregationService
	logger *logrus.Logger
}

// NewBetHandler 创建 BetHandler
func NewBetHandler(agg *service.AggregationService, logger *logrus.Logger) *BetHandler {
	return &BetHandler{agg: agg, logger: logger}
}

// GetBetAggregate 市场聚合视图（按请求者裁剪金额字段）
// GET /api/bets/:contract_bet_id/aggregate?requester=0x...
func (h *BetHandler) GetBetAggregate(c *gin.Context) {
	betID, err := strconv.ParseUint(c.Param("contract_bet_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contract_bet_id 必须为数字"})
		return
	}
	requester := c.Query("requester")

	result, err := h.agg.GetBetAggregate(c.Request.Context(), betID, requester)
	if err != nil {
		if errors.Is(err, repository.ErrBetMirrorMissing) || errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "市场不存在"})
			return
		}
		h.logger.WithError(err).Error("GetBetAggregate failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetUserPortfolio 用户持仓列表与统计（本人视角，金额始终可见）
// GET /api/users/:address/portfolio?page=1&page_size=20
func (h *BetHandler) GetUserPortfolio(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.agg.GetUserPortfolio(c.Request.Context(), address, page, pageSize)
	if err != nil {
		h.logger.WithError(err).Error("GetUserPortfolio failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

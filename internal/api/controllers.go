package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
	"execution-core/internal/scheduler"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type listSignalsQuery struct {
	Market  string `form:"market"`
	Symbol  string `form:"symbol"`
	Outcome string `form:"outcome" binding:"omitempty,oneof=pending executed blocked duplicate failed skipped"`
	Limit   int    `form:"limit"`
}

type equityQuery struct {
	// Since is a lookback like 24h, or an RFC3339 time.
	Since string `form:"since"`
	Limit int    `form:"limit"`
}

type setGuardRequest struct {
	Mode   string `json:"mode" binding:"required,oneof=live close_only locked"`
	Reason string `json:"reason" binding:"required,min=1,max=500"`
}

type submitSignalRequest struct {
	Market    string          `json:"market" binding:"required"`
	Symbol    string          `json:"symbol" binding:"required"`
	Timeframe string          `json:"timeframe" binding:"required"`
	BarTime   time.Time       `json:"bar_time" binding:"required"`
	Direction string          `json:"direction" binding:"required,oneof=buy sell flat BUY SELL FLAT"`
	Score     float64         `json:"score"`
	Filters   map[string]any  `json:"filters"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type closePositionRequest struct {
	Market string `json:"market" binding:"required"`
	Symbol string `json:"symbol" binding:"required"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondDomainError maps a coded core error onto an HTTP status.
func respondDomainError(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrBusy) {
		respondError(c, http.StatusConflict, "BUSY", err.Error())
		return
	}
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidSignal, apperr.CodeInvalidSize:
		status = http.StatusBadRequest
	case apperr.CodeUnknownPosition:
		status = http.StatusNotFound
	case apperr.CodeGuardBlocked, apperr.CodeExposureExceeded, apperr.CodeCooldown, apperr.CodeDuplicateSignal:
		status = http.StatusConflict
	case apperr.CodeInsufficientFunds, apperr.CodeConfigInvalid:
		status = http.StatusUnprocessableEntity
	case apperr.CodeStalePrice:
		status = http.StatusServiceUnavailable
	}
	respondError(c, status, string(code), apperr.MessageOf(err))
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getPortfolio(c *gin.Context) {
	p, err := s.Engine.GetPortfolio(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// getOrders returns recent orders, newest first.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.Engine.GetOrders(c.Request.Context(), q.Limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getEquity(c *gin.Context) {
	var q equityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	since, err := parseSince(q.Since, time.Now())
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	view, err := s.Engine.GetEquity(c.Request.Context(), since, q.Limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// parseSince accepts a Go duration lookback, an RFC3339 time, or empty for
// the last 24 hours.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-24 * time.Hour), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be a duration like 24h or an RFC3339 time")
	}
	return t, nil
}

func (s *Server) getRiskMetrics(c *gin.Context) {
	m, err := s.Engine.GetRiskMetrics(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getSignals(c *gin.Context) {
	var q listSignalsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	rows, err := s.Engine.ListSignals(c.Request.Context(), db.SignalFilter{
		Market:  q.Market,
		Symbol:  q.Symbol,
		Outcome: q.Outcome,
		Limit:   q.Limit,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getGuard(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetGuard(c.Request.Context()))
}

func (s *Server) setGuard(c *gin.Context) {
	var req setGuardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	st, err := s.Engine.SetGuard(c.Request.Context(), req.Mode, req.Reason, CurrentOperator(c))
	if err != nil {
		// a tightening transition applies even when persisting it failed
		if string(st.Mode) != req.Mode {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"guard": st, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) submitSignal(c *gin.Context) {
	var req submitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	dir, err := signal.ParseDirection(req.Direction)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	res, err := s.Engine.SubmitSignal(c.Request.Context(), signal.Signal{
		Market:    req.Market,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		BarTime:   req.BarTime,
		Direction: dir,
		Score:     req.Score,
		Filters:   req.Filters,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil && res.Outcome == "" {
		respondDomainError(c, err)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("signal_id", res.ID).Msg("signal decided but not journaled")
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	o, err := s.Engine.ClosePosition(c.Request.Context(), ledger.Key{Market: req.Market, Symbol: req.Symbol}, CurrentOperator(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPolicy(c.Request.Context()))
}

func (s *Server) reloadPolicy(c *gin.Context) {
	view, err := s.Engine.ReloadPolicy(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":   string(apperr.CodeOf(err)),
			"error":  apperr.MessageOf(err),
			"policy": view,
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) runRiskCheck(c *gin.Context) {
	report, err := s.Engine.RunRiskCheck(c.Request.Context())
	if err != nil && report != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":   string(apperr.CodeOf(err)),
			"error":  apperr.MessageOf(err),
			"report": report,
		})
		return
	}
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

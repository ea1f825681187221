package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
	"github.com/SpasticPalate/market-charts-sub001/internal/service"
	"github.com/SpasticPalate/market-charts-sub001/internal/utils"
)

// HistoryHandler handles index history HTTP requests
type HistoryHandler struct {
	reconciliation *service.ReconciliationService
	logger         *zap.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(reconciliation *service.ReconciliationService, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		reconciliation: reconciliation,
		logger:         logger,
	}
}

// GetIndices handles listing the tracked indices
// GET /api/v1/indices
func (h *HistoryHandler) GetIndices(c *gin.Context) {
	indices := market.KnownIndices()

	type indexInfo struct {
		Name   market.IndexName `json:"name"`
		Symbol string           `json:"symbol"`
	}
	out := make([]indexInfo, 0, len(indices))
	for _, idx := range indices {
		out = append(out, indexInfo{Name: idx, Symbol: market.SymbolForIndex(idx)})
	}

	c.JSON(http.StatusOK, out)
}

// GetHistory handles retrieving an index's daily records for a date range,
// reconciling cache and providers as needed
// GET /api/v1/indices/:index/history
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	index := ParseIndexParam(c.Param("index"))

	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	result, err := h.reconciliation.EnsureRangeAvailable(c.Request.Context(), index, start, end)
	if err != nil && result == nil {
		h.logger.Error("Failed to ensure range availability",
			zap.Error(err),
			zap.String("index", string(index)))
		if errors.Is(err, market.ErrAllProvidersUnavailable) {
			utils.SendErrorResponse(c, http.StatusServiceUnavailable, "All data providers are unavailable")
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to retrieve index history")
		return
	}

	// Partial data with a completeness flag is an expected outcome, not an
	// error; only an empty result with no providers is fatal.
	if len(result.Records) == 0 && !result.Complete {
		utils.SendErrorResponse(c, http.StatusServiceUnavailable, "No data available for the requested range")
		return
	}

	params := utils.ParsePaginationParams(c, 1000, 5000)
	page := paginateRecords(result.Records, params)

	utils.SendPaginatedResponse(c, http.StatusOK, gin.H{
		"index_name":        result.Index,
		"records":           page,
		"complete":          result.Complete,
		"incomplete_ranges": result.IncompleteRanges,
	}, len(result.Records), params.Page, params.Limit)
}

// GetLatest handles retrieving the most recent record for an index
// GET /api/v1/indices/:index/latest
func (h *HistoryHandler) GetLatest(c *gin.Context) {
	index := ParseIndexParam(c.Param("index"))

	record, err := h.reconciliation.GetLatest(c.Request.Context(), index)
	if err != nil {
		h.logger.Error("Failed to get latest record",
			zap.Error(err),
			zap.String("index", string(index)))
		switch {
		case errors.Is(err, market.ErrNoDataAvailable):
			utils.SendErrorResponse(c, http.StatusNotFound, "No recent data available for this index")
		case errors.Is(err, market.ErrAllProvidersUnavailable):
			utils.SendErrorResponse(c, http.StatusServiceUnavailable, "All data providers are unavailable")
		default:
			utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to retrieve latest record")
		}
		return
	}

	c.JSON(http.StatusOK, record)
}

// ParseIndexParam resolves a path parameter to an index name, accepting
// canonical names case-insensitively and falling back to the lenient symbol
// mapping.
func ParseIndexParam(s string) market.IndexName {
	switch strings.ToUpper(s) {
	case string(market.IndexSP500):
		return market.IndexSP500
	case string(market.IndexDow):
		return market.IndexDow
	case string(market.IndexNasdaq):
		return market.IndexNasdaq
	}
	return market.IndexNameForSymbol(s)
}

// parseDateRange reads start_date/end_date query parameters, accepting
// YYYY-MM-DD or RFC3339. Missing end defaults to today, missing start to 90
// days before end.
func parseDateRange(c *gin.Context) (time.Time, time.Time, bool) {
	end := market.Day(time.Now())
	if endStr := c.Query("end_date"); endStr != "" {
		parsed, err := parseDate(endStr)
		if err != nil {
			utils.SendErrorResponse(c, http.StatusBadRequest, "Invalid end_date format. Use YYYY-MM-DD or RFC3339")
			return time.Time{}, time.Time{}, false
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -90)
	if startStr := c.Query("start_date"); startStr != "" {
		parsed, err := parseDate(startStr)
		if err != nil {
			utils.SendErrorResponse(c, http.StatusBadRequest, "Invalid start_date format. Use YYYY-MM-DD or RFC3339")
			return time.Time{}, time.Time{}, false
		}
		start = parsed
	}

	if end.Before(start) {
		utils.SendErrorResponse(c, http.StatusBadRequest, "end_date must not precede start_date")
		return time.Time{}, time.Time{}, false
	}

	return start, end, true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return market.Day(t), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return market.Day(t), nil
}

func paginateRecords(records []market.IndexRecord, params utils.PaginationParams) []market.IndexRecord {
	startIdx := (params.Page - 1) * params.Limit
	if startIdx >= len(records) {
		return []market.IndexRecord{}
	}
	endIdx := startIdx + params.Limit
	if endIdx > len(records) {
		endIdx = len(records)
	}
	return records[startIdx:endIdx]
}

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
	"github.com/SpasticPalate/market-charts-sub001/internal/service"
	"github.com/SpasticPalate/market-charts-sub001/internal/utils"
)

// defaultSeriesColors assigns stable colors per index for chart payloads.
var defaultSeriesColors = map[market.IndexName]string{
	market.IndexSP500:  "#1f77b4",
	market.IndexDow:    "#2ca02c",
	market.IndexNasdaq: "#9467bd",
}

const comparisonColor = "#7f7f7f"

// ChartBaselines carries the configured comparison reference dates.
type ChartBaselines struct {
	CurrentTermStart  time.Time
	PreviousTermStart time.Time
	EventDate         time.Time
	EventText         string
}

// ChartHandler handles chart derivation HTTP requests
type ChartHandler struct {
	reconciliation *service.ReconciliationService
	processor      *service.ChartDataProcessor
	baselines      ChartBaselines
	logger         *zap.Logger
}

// NewChartHandler creates a new chart handler
func NewChartHandler(
	reconciliation *service.ReconciliationService,
	processor *service.ChartDataProcessor,
	baselines ChartBaselines,
	logger *zap.Logger,
) *ChartHandler {
	return &ChartHandler{
		reconciliation: reconciliation,
		processor:      processor,
		baselines:      baselines,
		logger:         logger,
	}
}

// GetPercentageChangeChart handles building a percentage-change chart for
// one or more indices over a date range
// GET /api/v1/charts/percentage-change
func (h *ChartHandler) GetPercentageChangeChart(c *gin.Context) {
	indices := parseIndicesQuery(c.Query("indices"))

	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	base := start
	if baseStr := c.Query("base"); baseStr != "" {
		parsed, err := parseDate(baseStr)
		if err != nil {
			utils.SendErrorResponse(c, http.StatusBadRequest, "Invalid base format. Use YYYY-MM-DD or RFC3339")
			return
		}
		base = parsed
	}

	seriesList, complete, err := h.collectSeries(c, indices, start, end)
	if err != nil {
		return
	}

	chart, err := h.processor.PercentageChangeChart("Percentage Change", seriesList, base)
	if err != nil {
		h.logger.Error("Failed to build percentage change chart", zap.Error(err))
		if errors.Is(err, market.ErrNoDataAvailable) {
			utils.SendErrorResponse(c, http.StatusNotFound, "No data available for the requested range")
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to build chart")
		return
	}

	if !h.baselines.EventDate.IsZero() {
		chart = h.processor.GenerateAnnotations(chart, []market.Annotation{{
			Date: h.baselines.EventDate,
			Text: h.baselines.EventText,
			Type: "event",
		}})
	}

	chart = h.applyMaxPoints(c, chart)

	c.JSON(http.StatusOK, gin.H{"chart": chart, "complete": complete})
}

// GetComparisonChart handles overlaying the previous term's series onto the
// current term's chart by trading-day offset
// GET /api/v1/charts/comparison
func (h *ChartHandler) GetComparisonChart(c *gin.Context) {
	if h.baselines.CurrentTermStart.IsZero() || h.baselines.PreviousTermStart.IsZero() {
		utils.SendErrorResponse(c, http.StatusNotFound, "Comparison baselines are not configured")
		return
	}

	index := ParseIndexParam(c.DefaultQuery("index", string(market.IndexSP500)))

	now := market.Day(time.Now())
	span := int(now.Sub(h.baselines.CurrentTermStart).Hours() / 24)

	currentResult, err := h.reconciliation.EnsureRangeAvailable(
		c.Request.Context(), index, h.baselines.CurrentTermStart, now)
	if err != nil && currentResult == nil {
		h.respondReconcileError(c, err, index)
		return
	}

	previousEnd := h.baselines.PreviousTermStart.AddDate(0, 0, span)
	previousResult, err := h.reconciliation.EnsureRangeAvailable(
		c.Request.Context(), index, h.baselines.PreviousTermStart, previousEnd)
	if err != nil && previousResult == nil {
		h.respondReconcileError(c, err, index)
		return
	}

	currentSeries := service.NamedSeries{
		Name:    string(index),
		Color:   defaultSeriesColors[index],
		Records: currentResult.Records,
	}

	chart, err := h.processor.PercentageChangeChart(
		"Term Comparison", []service.NamedSeries{currentSeries}, h.baselines.CurrentTermStart)
	if err != nil {
		h.logger.Error("Failed to build comparison chart", zap.Error(err))
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to build chart")
		return
	}

	chart = h.processor.GenerateComparisonData(chart, []service.NamedSeries{{
		Name:    string(index) + " (previous term)",
		Color:   comparisonColor,
		Records: previousResult.Records,
	}})

	chart = h.applyMaxPoints(c, chart)

	c.JSON(http.StatusOK, gin.H{
		"chart":    chart,
		"complete": currentResult.Complete && previousResult.Complete,
	})
}

// GetIndicators handles computing technical indicator overlays for an index
// GET /api/v1/charts/indicators
func (h *ChartHandler) GetIndicators(c *gin.Context) {
	index := ParseIndexParam(c.DefaultQuery("index", string(market.IndexSP500)))

	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	indicatorType := c.DefaultQuery("type", "ma")
	periods, err := parsePeriodsQuery(c.Query("periods"), indicatorType)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, reconErr := h.reconciliation.EnsureRangeAvailable(c.Request.Context(), index, start, end)
	if reconErr != nil && result == nil {
		h.respondReconcileError(c, reconErr, index)
		return
	}

	series := service.NamedSeries{
		Name:    string(index),
		Color:   defaultSeriesColors[index],
		Records: result.Records,
	}
	chart := h.processor.BuildChart("Technical Indicators", []service.NamedSeries{series})

	for _, period := range periods {
		var indicator market.TechnicalIndicator
		switch indicatorType {
		case "ma":
			indicator = h.processor.MovingAverage(result.Records, period)
		case "rsi":
			indicator = h.processor.RSI(result.Records, period)
		case "volatility":
			indicator = h.processor.Volatility(result.Records, period)
		default:
			utils.SendErrorResponse(c, http.StatusBadRequest, "Unknown indicator type: "+indicatorType)
			return
		}
		chart.TechnicalIndicators = append(chart.TechnicalIndicators, indicator)
	}

	chart = h.applyMaxPoints(c, chart)

	c.JSON(http.StatusOK, gin.H{"chart": chart, "complete": result.Complete})
}

func (h *ChartHandler) collectSeries(c *gin.Context, indices []market.IndexName, start, end time.Time) ([]service.NamedSeries, bool, error) {
	seriesList := make([]service.NamedSeries, 0, len(indices))
	complete := true

	for _, index := range indices {
		result, err := h.reconciliation.EnsureRangeAvailable(c.Request.Context(), index, start, end)
		if err != nil && result == nil {
			h.respondReconcileError(c, err, index)
			return nil, false, err
		}
		if !result.Complete {
			complete = false
		}
		seriesList = append(seriesList, service.NamedSeries{
			Name:    string(index),
			Color:   defaultSeriesColors[index],
			Records: result.Records,
		})
	}

	return seriesList, complete, nil
}

func (h *ChartHandler) respondReconcileError(c *gin.Context, err error, index market.IndexName) {
	h.logger.Error("Failed to reconcile index data",
		zap.Error(err),
		zap.String("index", string(index)))
	if errors.Is(err, market.ErrAllProvidersUnavailable) {
		utils.SendErrorResponse(c, http.StatusServiceUnavailable, "All data providers are unavailable")
		return
	}
	utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to retrieve index data")
}

func (h *ChartHandler) applyMaxPoints(c *gin.Context, chart market.ChartData) market.ChartData {
	maxPointsStr := c.Query("max_points")
	if maxPointsStr == "" {
		return chart
	}
	maxPoints, err := strconv.Atoi(maxPointsStr)
	if err != nil || maxPoints < 2 {
		return chart
	}
	return h.processor.OptimizeDataPoints(chart, maxPoints)
}

func parseIndicesQuery(raw string) []market.IndexName {
	if raw == "" {
		return market.KnownIndices()
	}
	parts := strings.Split(raw, ",")
	indices := make([]market.IndexName, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		indices = append(indices, ParseIndexParam(p))
	}
	if len(indices) == 0 {
		return market.KnownIndices()
	}
	return indices
}

func parsePeriodsQuery(raw, indicatorType string) ([]int, error) {
	if raw == "" {
		switch indicatorType {
		case "rsi":
			return []int{14}, nil
		case "volatility":
			return []int{20}, nil
		default:
			return []int{20}, nil
		}
	}

	parts := strings.Split(raw, ",")
	periods := make([]int, 0, len(parts))
	for _, p := range parts {
		period, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || period <= 0 {
			return nil, errors.New("periods must be positive integers")
		}
		periods = append(periods, period)
	}
	return periods, nil
}

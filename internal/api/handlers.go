// Package api exposes the estimator and the simulation controls over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/simulation"
)

const (
	BasePath = "/api/estimation"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type Handlers struct {
	sim *simulation.Simulation
	// reporter is nil when no history database is configured.
	reporter history.Reporter
}

func NewHandlers(sim *simulation.Simulation, reporter history.Reporter) *Handlers {
	return &Handlers{sim: sim, reporter: reporter}
}

func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/", h.Health)

	api := e.Group(BasePath)

	// Estimates
	api.GET("/estimate/:queueName", h.GetEstimate)
	api.GET("/estimate/:queueName/:userId", h.GetPersonalizedEstimate)
	api.PUT("/estimate/:queueName/:userId", h.SetPersonalizedEstimate)
	api.GET("/moving-average/:queueName", h.GetMovingAverage)
	api.GET("/anomalies/:queueName", h.GetAnomalies)

	// Simulation and queue state
	api.GET("/simulate", h.Simulate)
	api.GET("/queue-length/:queueName", h.GetQueueLength)
	api.GET("/queue/:queueName/status", h.GetQueueStatus)
	api.POST("/queue/:queueName/reset", h.ResetQueue)
	api.POST("/queue/:queueName/optimize", h.OptimizeQueue)

	// History
	api.GET("/reports/:queueName", h.GetReport)
	api.GET("/reports/:queueName/history", h.GetHistory)
}

func (h *Handlers) Health(c echo.Context) error {
	return c.String(http.StatusOK, "nextup estimation service is running")
}

func (h *Handlers) GetEstimate(c echo.Context) error {
	queueName := c.Param("queueName")

	estimate := h.sim.CurrentEstimate(c.Request().Context(), queueName)
	if !estimate.Available {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no estimate available for queue " + queueName})
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "estimate": estimate.Minutes})
}

func (h *Handlers) GetPersonalizedEstimate(c echo.Context) error {
	queueName, userID := c.Param("queueName"), c.Param("userId")

	estimate := h.sim.PersonalizedEstimate(c.Request().Context(), queueName, userID)
	if !estimate.Available {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no personalized estimate for user " + userID})
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "userId": userID, "estimate": estimate.Minutes})
}

func (h *Handlers) SetPersonalizedEstimate(c echo.Context) error {
	queueName, userID := c.Param("queueName"), c.Param("userId")

	var req struct {
		Estimate *int `json:"estimate"`
	}
	if err := c.Bind(&req); err != nil || req.Estimate == nil || *req.Estimate < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "estimate must be a non-negative number of minutes"})
	}

	err := h.sim.Estimator().SetPersonalizedEstimate(c.Request().Context(), queueName, userID, *req.Estimate)
	if err != nil {
		log.WithError(err).Errorf("h.sim.Estimator().SetPersonalizedEstimate(%v, %v)", queueName, userID)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "userId": userID, "estimate": *req.Estimate})
}

func (h *Handlers) GetMovingAverage(c echo.Context) error {
	queueName := c.Param("queueName")

	average := h.sim.Estimator().MovingAverage(c.Request().Context(), queueName)
	if !average.Available {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no wait times recorded for queue " + queueName})
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "movingAverage": average.Minutes})
}

func (h *Handlers) GetAnomalies(c echo.Context) error {
	queueName := c.Param("queueName")

	anomalies := h.sim.Estimator().Anomalies(c.Request().Context(), queueName)
	if anomalies == nil {
		anomalies = []float64{}
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "anomalies": anomalies})
}

func (h *Handlers) Simulate(c echo.Context) error {
	started := h.sim.StartArrivalSimulation()
	message := "arrival simulation started"
	if !started {
		message = "arrival simulation already running"
	}
	return c.JSON(http.StatusOK, map[string]any{"started": started, "message": message})
}

func (h *Handlers) GetQueueLength(c echo.Context) error {
	queueName := c.Param("queueName")

	length, err := h.sim.QueueLength(c.Request().Context(), queueName)
	if err != nil {
		return h.queueError(c, err, "h.sim.QueueLength", queueName)
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "queueLength": length})
}

func (h *Handlers) GetQueueStatus(c echo.Context) error {
	queueName := c.Param("queueName")

	status, err := h.sim.QueueStatus(c.Request().Context(), queueName)
	if err != nil {
		return h.queueError(c, err, "h.sim.QueueStatus", queueName)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) ResetQueue(c echo.Context) error {
	queueName := c.Param("queueName")

	removed, err := h.sim.Reset(c.Request().Context(), queueName)
	if err != nil {
		return h.queueError(c, err, "h.sim.Reset", queueName)
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "removed": removed})
}

func (h *Handlers) OptimizeQueue(c echo.Context) error {
	queueName := c.Param("queueName")
	if h.reporter == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "history is not configured"})
	}

	optimized, err := h.sim.OptimizeQueueLength(c.Request().Context(), h.reporter, queueName)
	if err != nil {
		return h.queueError(c, err, "h.sim.OptimizeQueueLength", queueName)
	}
	return c.JSON(http.StatusOK, map[string]any{"queueName": queueName, "optimized": optimized})
}

func (h *Handlers) GetReport(c echo.Context) error {
	queueName := c.Param("queueName")
	if h.reporter == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "history is not configured"})
	}

	report, err := h.reporter.Report(c.Request().Context(), queueName)
	if err != nil {
		log.WithError(err).Errorf("h.reporter.Report(%v)", queueName)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if report == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no history for queue " + queueName})
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handlers) GetHistory(c echo.Context) error {
	queueName := c.Param("queueName")
	if h.reporter == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "history is not configured"})
	}

	limit := uint(defaultHistoryLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 || n > maxHistoryLimit {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
		}
		limit = uint(n)
	}

	records, err := h.reporter.Recent(c.Request().Context(), queueName, limit)
	if err != nil {
		log.WithError(err).Errorf("h.reporter.Recent(%v)", queueName)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handlers) queueError(c echo.Context, err error, op, queueName string) error {
	if errors.Is(err, simulation.ErrUnknownServiceType) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	log.WithError(err).Errorf("%s(%v)", op, queueName)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

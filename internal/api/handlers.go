package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lims-autoverify-server/internal/domain"
)

// verifyResultRequest is the payload for one incoming result.
type verifyResultRequest struct {
	ID           string    `json:"id"`
	TestID       string    `json:"test_id" binding:"required"`
	PatientID    string    `json:"patient_id" binding:"required"`
	SampleID     string    `json:"sample_id" binding:"required"`
	InstrumentID string    `json:"instrument_id"`
	Value        float64   `json:"value"`
	CodedValue   string    `json:"coded_value"`
	Unit         string    `json:"unit"`
	Timestamp    time.Time `json:"timestamp"`
	SupersedesID string    `json:"supersedes_id"`
}

// handleVerifyResult runs the full verification workflow for one result.
func (s *Server) handleVerifyResult(c *gin.Context) {
	var req verifyResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}

	result := &domain.ResultValue{
		ID:           req.ID,
		TestID:       req.TestID,
		PatientID:    req.PatientID,
		SampleID:     req.SampleID,
		InstrumentID: req.InstrumentID,
		Value:        req.Value,
		CodedValue:   req.CodedValue,
		Unit:         req.Unit,
		Timestamp:    req.Timestamp,
		SupersedesID: req.SupersedesID,
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	verification, err := s.verification.VerifyResult(c.Request.Context(), result)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, verification)
}

// recordQCRequest is the payload for one control measurement.
type recordQCRequest struct {
	QCTestID    string    `json:"qc_test_id" binding:"required"`
	LevelID     string    `json:"level_id" binding:"required"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	PerformedBy string    `json:"performed_by"`
}

// handleRecordQCResult appends one QC point and returns its evaluation.
func (s *Server) handleRecordQCResult(c *gin.Context) {
	var req recordQCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}

	point := &domain.QCResult{
		QCTestID:    req.QCTestID,
		LevelID:     req.LevelID,
		Value:       req.Value,
		Timestamp:   req.Timestamp,
		PerformedBy: req.PerformedBy,
	}

	evaluation, err := s.verification.RecordQCResult(c.Request.Context(), point)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"point":      point,
		"statistics": evaluation.Statistics,
		"violations": evaluation.Violations,
		"in_control": !point.HasRejectViolation(),
	})
}

// handleGetQCStatistics returns the current rolling-window snapshot.
func (s *Server) handleGetQCStatistics(c *gin.Context) {
	statistics, err := s.verification.GetQCStatistics(c.Request.Context(), c.Param("testId"), c.Param("levelId"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, statistics)
}

// handleGetQCPoints returns the most recent window of a series with frozen
// violations, the raw material for a Levey-Jennings chart.
func (s *Server) handleGetQCPoints(c *gin.Context) {
	points, level, err := s.verification.GetQCWindow(c.Request.Context(), c.Param("testId"), c.Param("levelId"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"level":  level,
		"points": points,
	})
}

// acknowledgeRequest identifies the operator acknowledging a critical value.
type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" binding:"required"`
}

// handleAcknowledgeCritical records a critical-value acknowledgment.
func (s *Server) handleAcknowledgeCritical(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}

	if err := s.verification.AcknowledgeCritical(c.Request.Context(), c.Param("id"), req.AcknowledgedBy); err != nil {
		s.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// signalRequest carries one boolean signal update from an interface driver.
type signalRequest struct {
	OK *bool `json:"ok" binding:"required"`
}

// handleSetInstrumentStatus records instrument readiness pushed by the
// instrument interface.
func (s *Server) handleSetInstrumentStatus(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}
	s.signals.SetInstrumentReady(c.Param("id"), *req.OK)
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// handleSetSampleIntegrity records sample integrity from chain-of-custody
// checks.
func (s *Server) handleSetSampleIntegrity(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}
	s.signals.SetSampleIntact(c.Param("id"), *req.OK)
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// handleSetSampleConsistency records a panel cross-check verdict for a
// sample.
func (s *Server) handleSetSampleConsistency(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, err.Error())
		return
	}
	s.signals.SetSampleConsistent(c.Param("id"), *req.OK)
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// handleListDecisions returns the decision history and derived counters for
// a test.
func (s *Server) handleListDecisions(c *gin.Context) {
	testID := c.Param("testId")

	events, err := s.auditStore.ListDecisions(c.Request.Context(), testID, 100, 0)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}

	totals, err := s.auditStore.DecisionTotals(c.Request.Context(), testID)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"test_id":   testID,
		"totals":    totals,
		"decisions": events,
	})
}

// handleExportDecisions streams the full decision audit trail as JSON.
func (s *Server) handleExportDecisions(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=decision-export.json")

	if err := s.auditStore.ExportJSON(c.Request.Context(), c.Writer); err != nil {
		s.logger.WithError(err).Error("Failed to export decision events")
	}
}

// respondError writes a structured error response.
func (s *Server) respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":       code,
			"message":    message,
			"request_id": c.GetString("correlation_id"),
			"timestamp":  time.Now().UTC(),
		},
	})
}

// respondEngineError maps engine error codes to HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	var engineErr *domain.EngineError
	if errors.As(err, &engineErr) {
		status := http.StatusInternalServerError
		switch engineErr.Code {
		case domain.ErrInvalidInput, domain.ErrValidation:
			status = http.StatusBadRequest
		case domain.ErrQCOutOfControl:
			status = http.StatusConflict
		}
		s.respondError(c, status, engineErr.Code, engineErr.Message)
		return
	}

	s.logger.WithError(err).Error("Request failed")
	s.respondError(c, http.StatusInternalServerError, domain.ErrInternalServer, "internal server error")
}

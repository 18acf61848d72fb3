package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/middleware"
	"github.com/gestnote/ranking-guard/models"
	"github.com/gestnote/ranking-guard/service"
)

const (
	msgStatsFailed   = "Error retrieving statistics"
	msgReportFailed  = "Error generating report"
	msgIPRequired    = "IP required"
	msgBlockFailed   = "Error blocking IP"
	msgUnblockFailed = "Error unblocking IP"
	msgListFailed    = "Error retrieving blocked IPs"
	msgAnalyzeFailed = "Error during security analysis"
	msgInvalidBody   = "Invalid request body"
)

type AdminHandler struct {
	security   *service.SecurityService
	recorder   middleware.EventRecorder
	logger     *zap.Logger
	trustProxy bool
}

func NewAdminHandler(security *service.SecurityService, recorder middleware.EventRecorder, logger *zap.Logger, trustProxy bool) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		security:   security,
		recorder:   recorder,
		logger:     logger.Named("admin"),
		trustProxy: trustProxy,
	}
}

// Routes mounts the admin surface. Authorization is applied by the caller.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/stats", h.guard("admin security stats", msgStatsFailed, h.GetStats))
	r.Get("/report", h.guard("admin security report", msgReportFailed, h.GetReport))
	r.Post("/block", h.guard("admin block IP", msgBlockFailed, h.BlockIP))
	r.Delete("/block/{ip}", h.guard("admin unblock IP", msgUnblockFailed, h.UnblockIP))
	r.Get("/blocked", h.guard("admin get blocked IPs", msgListFailed, h.GetBlocked))
	r.Post("/analyze", h.guard("admin security analyze", msgAnalyzeFailed, h.Analyze))
}

type opFunc func(w http.ResponseWriter, r *http.Request) error

// guard turns an operation error or panic into the generic failure response
// and records the full detail as a server_error event.
func (h *AdminHandler) guard(operation, message string, fn opFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.fail(w, r, operation, message, fmt.Errorf("panic: %v", rec))
			}
		}()

		if err := fn(w, r); err != nil {
			h.fail(w, r, operation, message, err)
		}
	}
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, operation, message string, err error) {
	ip := middleware.ClientIP(r, h.trustProxy)
	h.logger.Error("admin operation failed", zap.String("operation", operation), zap.Error(err))
	if h.recorder != nil {
		h.recorder.Record(r.Context(), models.NewServerErrorEvent(ip, middleware.UserAgent(r), err, map[string]interface{}{
			"operation": operation,
			"url":       r.URL.String(),
			"method":    r.Method,
		}))
	}
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeBody treats an empty body as the zero request.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *AdminHandler) rejectBody(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("invalid admin request body", zap.String("path", r.URL.Path), zap.Error(err))
	if h.recorder != nil {
		h.recorder.Record(r.Context(), models.NewMalformedRequestEvent(
			middleware.ClientIP(r, h.trustProxy), middleware.UserAgent(r), []string{err.Error()}))
	}
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidBody})
}

func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.security.Stats(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, stats)
	return nil
}

func (h *AdminHandler) GetReport(w http.ResponseWriter, r *http.Request) error {
	report, err := h.security.Report(r.Context())
	if err != nil {
		return err
	}
	respondJSON(w, http.StatusOK, report)
	return nil
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) error {
	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		h.rejectBody(w, r, err)
		return nil
	}

	count, err := h.security.Block(req.IP, req.Reason)
	if errors.Is(err, service.ErrAddressRequired) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": msgIPRequired})
		return nil
	}
	if err != nil {
		return err
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      fmt.Sprintf("IP %s blocked", req.IP),
		"blockedCount": count,
	})
	return nil
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) error {
	ip := chi.URLParam(r, "ip")

	count, err := h.security.Unblock(ip)
	if errors.Is(err, service.ErrAddressRequired) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": msgIPRequired})
		return nil
	}
	if err != nil {
		return err
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      fmt.Sprintf("IP %s unblocked", ip),
		"blockedCount": count,
	})
	return nil
}

func (h *AdminHandler) GetBlocked(w http.ResponseWriter, r *http.Request) error {
	respondJSON(w, http.StatusOK, h.security.Blocked())
	return nil
}

func (h *AdminHandler) Analyze(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		AutoBlock bool `json:"autoBlock"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.rejectBody(w, r, err)
		return nil
	}

	result, err := h.security.Analyze(r.Context(), req.AutoBlock)
	if err != nil {
		return err
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report": map[string]int{
			"suspiciousIPs":   result.Report.Summary.SuspiciousIPCount,
			"highRiskIPs":     result.Report.Summary.HighRiskIPCount,
			"recommendations": len(result.Report.Recommendations),
		},
		"blockList": map[string]int{
			"recommended":  len(result.Recommended),
			"newlyBlocked": result.NewlyBlocked,
		},
	})
	return nil
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   models.ServiceName,
		"timestamp": time.Now().UTC(),
	})
}

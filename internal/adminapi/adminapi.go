// Package adminapi is the operator control plane: per-user settings
// review/edit, symbol-ban review/lift, and on-demand emergency
// shutdown, gated by an API-key validator with a per-key token
// bucket applied as http.Handler middleware.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"sentryguard/internal/config"
	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/emergency"
	"sentryguard/internal/policy"

	"golang.org/x/time/rate"
)

// HeaderAPIKey is the header carrying the operator's admin API key.
const HeaderAPIKey = "X-Admin-Api-Key"

// UserSettingsRepository is the subset of internal/store.UserStore the
// control plane edits.
type UserSettingsRepository interface {
	GetUserSettings(ctx context.Context, userID string) (policy.UserRecord, error)
	PutUserSettings(ctx context.Context, userID string, record policy.UserRecord) error
	GetAdminSettings(ctx context.Context) (domain.UserPolicy, error)
	PutAdminSettings(ctx context.Context, settings domain.UserPolicy) error
	SetUserActive(ctx context.Context, userID string, active bool) error
}

// BannedSymbolRepository is the subset of internal/store.BannedSymbolStore
// the control plane reviews.
type BannedSymbolRepository interface {
	ListBanned(ctx context.Context, userID string) ([]domain.BannedSymbol, error)
	Unban(ctx context.Context, userID, symbol string) error
}

// ShutdownReport and ShutdownSymbolResult alias the emergency
// controller's own result types,
// so a *emergency.Controller satisfies EmergencyController directly
// without any field-by-field conversion at the call site.
type ShutdownReport = emergency.Report
type ShutdownSymbolResult = emergency.SymbolResult

// EmergencyController is the shutdown path as seen from the control plane.
type EmergencyController interface {
	Shutdown(ctx context.Context, userID string) (ShutdownReport, error)
}

// Handler serves the /admin/* control plane.
type Handler struct {
	users     UserSettingsRepository
	banned    BannedSymbolRepository
	emergency EmergencyController
	validator *APIKeyValidator
	logger    core.ILogger
}

func New(users UserSettingsRepository, banned BannedSymbolRepository, emergency EmergencyController, keys []config.Secret, ratePerSecond int, logger core.ILogger) *Handler {
	return &Handler{
		users:     users,
		banned:    banned,
		emergency: emergency,
		validator: newAPIKeyValidator(keys, ratePerSecond, logger),
		logger:    logger.WithField("component", "adminapi"),
	}
}

// Register mounts the control plane routes, each wrapped by the
// API-key validator, onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/admin/users/", h.validator.Wrap(http.HandlerFunc(h.handleUser)))
	mux.Handle("/admin/settings", h.validator.Wrap(http.HandlerFunc(h.handleAdminSettings)))
	mux.Handle("/admin/banned/", h.validator.Wrap(http.HandlerFunc(h.handleBanned)))
	mux.Handle("/admin/emergency/", h.validator.Wrap(http.HandlerFunc(h.handleEmergency)))
}

// handleUser serves GET/PUT /admin/users/{id}/settings.
func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathSegment(r.URL.Path, "/admin/users/", "/settings")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, err := h.users.GetUserSettings(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPut:
		var record policy.UserRecord
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.users.PutUserSettings(r.Context(), userID, record); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdminSettings serves GET/PUT /admin/settings.
func (h *Handler) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.users.GetAdminSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var settings domain.UserPolicy
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.users.PutAdminSettings(r.Context(), settings); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBanned serves GET /admin/banned/{id} and DELETE
// /admin/banned/{id}/{symbol} to lift a ban.
func (h *Handler) handleBanned(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/banned/")
	parts := strings.SplitN(rest, "/", 2)
	userID := parts[0]
	if userID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		list, err := h.banned.ListBanned(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case r.Method == http.MethodDelete && len(parts) == 2:
		if err := h.banned.Unban(r.Context(), userID, parts[1]); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEmergency serves POST /admin/emergency/{id}, triggering the
// emergency shutdown for one user.
func (h *Handler) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/admin/emergency/")
	if userID == "" {
		http.NotFound(w, r)
		return
	}

	report, err := h.emergency.Shutdown(r.Context(), userID)
	if err != nil {
		h.logger.Error("emergency shutdown failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func pathSegment(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	mid = strings.Trim(mid, "/")
	if mid == "" {
		return "", false
	}
	return mid, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// APIKeyValidator validates the admin API key header and enforces a
// per-key token-bucket rate limit.
type APIKeyValidator struct {
	validKeys map[string]bool
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit int
	logger    core.ILogger
}

func newAPIKeyValidator(keys []config.Secret, ratePerSecond int, logger core.ILogger) *APIKeyValidator {
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	valid := make(map[string]bool, len(keys))
	for _, k := range keys {
		valid[string(k)] = true
	}
	return &APIKeyValidator{
		validKeys: valid,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: ratePerSecond,
		logger:    logger.WithField("component", "admin_api_key_validator"),
	}
}

// Wrap enforces API-key presence, validity, and rate limit before
// delegating to next.
func (v *APIKeyValidator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" || !v.validKeys[key] {
			v.logger.Warn("admin api request rejected: invalid key", "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !v.limiterFor(key).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *APIKeyValidator) limiterFor(key string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(v.rateLimit), v.rateLimit)
		v.limiters[key] = l
	}
	return l
}

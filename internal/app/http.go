package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teabot/api/internal/auth"
	"teabot/api/internal/helix"
	"teabot/api/internal/join"
	"teabot/api/internal/registry"
	"teabot/api/internal/session"
)

const ticketCookie = "teabot_session"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"redis": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/login" {
		url, err := s.service.LoginURL(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/callback" {
		code := strings.TrimSpace(r.URL.Query().Get("code"))
		state := strings.TrimSpace(r.URL.Query().Get("state"))
		if code == "" || state == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "code and state are required", nil)
			return
		}
		result, err := s.service.Callback(r.Context(), code, state)
		if err != nil {
			status, errCode, message, details := mapError(err)
			writeError(w, status, errCode, message, details)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     ticketCookie,
			Value:    result.Ticket,
			Path:     "/",
			Expires:  result.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"ticket":     result.Ticket,
			"expires_at": result.ExpiresAt,
			"identity":   result.Identity,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		ticket := requestTicket(r)
		if ticket == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "identity": nil})
			return
		}
		sess, err := s.service.SessionFromTicket(r.Context(), ticket)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "identity": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "identity": sess.Identity})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if ticket := requestTicket(r); ticket != "" {
			if sess, err := s.service.SessionFromTicket(r.Context(), ticket); err == nil {
				_ = s.service.Logout(r.Context(), sess)
			}
		}
		http.SetCookie(w, &http.Cookie{
			Name:     ticketCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below is behind the session gate.
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/channels" {
		view, err := s.service.ChannelList(r.Context(), sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/channels/selected" {
		var body struct {
			Index *int `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil || body.Index == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "index is required", nil)
			return
		}
		if err := s.service.SelectChannel(r.Context(), sess, *body.Index); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selected_index": *body.Index})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/channels/selected/wait" {
		current := -1
		if raw := strings.TrimSpace(r.URL.Query().Get("current")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "current must be an integer", nil)
				return
			}
			current = parsed
		}
		index, changed, err := s.service.AwaitSelection(r.Context(), sess, current)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"selected_index": index, "changed": changed})
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) == 4 &&
		r.Method == http.MethodPost && parts[0] == "api" && parts[1] == "channels" && parts[3] == "join" {
		view, err := s.service.JoinChannel(r.Context(), sess, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/dashboard" {
		view, err := s.service.Dashboard(r.Context(), sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireSession is the gate's entry check: ticket present, credential
// alive, identity established. Unauthenticated requests get the login URL
// in the error details instead of a rendered redirect.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	ticket := requestTicket(r)
	if ticket == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", loginDetails())
		return Session{}, false
	}
	sess, err := s.service.SessionFromTicket(r.Context(), ticket)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// requestTicket reads the session ticket from the cookie, falling back to a
// bearer header for non-browser callers.
func requestTicket(r *http.Request) string {
	if cookie, err := r.Cookie(ticketCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidTicket) || errors.Is(err, auth.ErrExpiredTicket) || errors.Is(err, session.ErrNoSession) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", loginDetails()
	}
	if errors.Is(err, join.ErrUnknownChannel) {
		return http.StatusNotFound, "NOT_FOUND", "Channel not in moderated list", nil
	}
	if errors.Is(err, join.ErrJoinFailed) {
		return http.StatusBadGateway, "JOIN_FAILED", "Join request failed", nil
	}
	var helixErr *helix.APIError
	if errors.As(err, &helixErr) {
		if helixErr.Status == http.StatusUnauthorized || helixErr.Status == http.StatusForbidden {
			return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", loginDetails()
		}
		return http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Identity provider unavailable", nil
	}
	var registryErr *registry.APIError
	if errors.As(err, &registryErr) {
		if registryErr.Status == http.StatusNotFound {
			return http.StatusNotFound, "NOT_FOUND", "Not found", nil
		}
		return http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Bot registry unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

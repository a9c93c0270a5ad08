// Package api implements the control-plane REST surface (spec.md §4.9):
// the GUI/CLI's view of pending requests/responses and live policy
// configuration, plus health, stats, and a Prometheus exposition endpoint.
//
// Grounded on laplaque-ai-anonymizing-proxy/internal/management/
// management.go's handler-per-concern shape; routed with gorilla/mux for
// the path-parameter routes spec.md's table requires
// (/api/requests/{id}/allow and friends), which net/http.ServeMux cannot
// express as cleanly.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kdhira/mitm-proxy/internal/metrics"
	"github.com/kdhira/mitm-proxy/internal/store"
)

// Server wires the decision store and metrics registry into a router.
type Server struct {
	Store   store.Store
	Metrics *metrics.Metrics
}

// New builds a Server.
func New(st store.Store, m *metrics.Metrics) *Server {
	return &Server{Store: st, Metrics: m}
}

// Handler returns the control-plane's routed http.Handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/requests", s.listRequests).Methods(http.MethodGet)
	r.HandleFunc("/api/requests/{id}", s.getRequest).Methods(http.MethodGet)
	r.HandleFunc("/api/requests/{id}/allow", s.allowRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/requests/{id}/block", s.blockRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/requests/{id}", s.deleteRequest).Methods(http.MethodDelete)

	r.HandleFunc("/api/responses/{id}", s.getResponse).Methods(http.MethodGet)
	r.HandleFunc("/api/responses/{id}/allow", s.allowResponse).Methods(http.MethodPost)
	r.HandleFunc("/api/responses/{id}/block", s.blockResponse).Methods(http.MethodPost)

	r.HandleFunc("/api/config/mode", s.getMode).Methods(http.MethodGet)
	r.HandleFunc("/api/config/mode", s.setMode).Methods(http.MethodPost)
	r.HandleFunc("/api/config/domains", s.listDomains).Methods(http.MethodGet)
	r.HandleFunc("/api/config/domains", s.addDomain).Methods(http.MethodPost)
	r.HandleFunc("/api/config/domains/{domain}", s.removeDomain).Methods(http.MethodDelete)
	r.HandleFunc("/api/config/keywords", s.listKeywords).Methods(http.MethodGet)
	r.HandleFunc("/api/config/keywords", s.addKeyword).Methods(http.MethodPost)
	r.HandleFunc("/api/config/keywords/{keyword}", s.removeKeyword).Methods(http.MethodDelete)

	r.HandleFunc("/api/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.stats).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Store.PendingRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type requestDetail struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, requestDetail{
		ID:        rec.ID,
		Hostname:  rec.Hostname,
		Method:    rec.Method,
		Path:      rec.Path,
		Headers:   rec.Headers,
		Body:      decodeBodyForDisplay(rec.Body),
		Timestamp: rec.Timestamp,
		Status:    string(rec.Status),
	})
}

// decisionBody is the optional edit payload a control-plane client sends
// with an allow decision, per spec.md §4.3's update_request_data/
// update_response_data partial-update contract.
type decisionBody struct {
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyIsBase64 bool              `json:"body_is_base64,omitempty"`
}

func (d decisionBody) bodyBytes() []byte {
	if d.Body == "" {
		return nil
	}
	if d.BodyIsBase64 {
		if decoded, err := base64.StdEncoding.DecodeString(d.Body); err == nil {
			return decoded
		}
	}
	return []byte(d.Body)
}

func (s *Server) allowRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body decisionBody
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Headers != nil || body.Body != "" {
		if err := s.Store.UpdateRequestData(r.Context(), id, body.Headers, body.bodyBytes()); err != nil {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
	}
	if err := s.Store.UpdateRequestStatus(r.Context(), id, store.StatusAllowed); err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "allowed"})
}

func (s *Server) blockRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.UpdateRequestStatus(r.Context(), id, store.StatusBlocked); err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err := s.Store.DeleteRequest(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteRequest(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type responseDetail struct {
	ID         string            `json:"id"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Status     string            `json:"status"`
}

func (s *Server) getResponse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Store.GetResponse(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "response not found")
		return
	}
	writeJSON(w, http.StatusOK, responseDetail{
		ID:         rec.ID,
		StatusCode: rec.StatusCode,
		Headers:    rec.Headers,
		Body:       decodeBodyForDisplay(rec.Body),
		Status:     string(rec.Status),
	})
}

func (s *Server) allowResponse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body decisionBody
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Headers != nil || body.Body != "" {
		if err := s.Store.UpdateResponseData(r.Context(), id, body.Headers, body.bodyBytes()); err != nil {
			writeError(w, http.StatusNotFound, "response not found")
			return
		}
	}
	if err := s.Store.UpdateResponseStatus(r.Context(), id, store.StatusAllowed); err != nil {
		writeError(w, http.StatusNotFound, "response not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "allowed"})
}

func (s *Server) blockResponse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.UpdateResponseStatus(r.Context(), id, store.StatusBlocked); err != nil {
		writeError(w, http.StatusNotFound, "response not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) getMode(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetPolicyConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": cfg.Mode})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.Mode != "intercept" && body.Mode != "filter" {
		writeError(w, http.StatusBadRequest, "mode must be intercept or filter")
		return
	}
	if err := s.Store.SetMode(r.Context(), body.Mode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": body.Mode})
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetPolicyConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": cfg.BlockedDomains})
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if err := s.Store.AddBlockedDomain(r.Context(), body.Domain); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": body.Domain})
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	if err := s.Store.RemoveBlockedDomain(r.Context(), domain); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain})
}

func (s *Server) listKeywords(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetPolicyConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keywords": cfg.BlockedKeywords})
}

func (s *Server) addKeyword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	if err := s.Store.AddBlockedKeyword(r.Context(), body.Keyword); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"keyword": body.Keyword})
}

func (s *Server) removeKeyword(w http.ResponseWriter, r *http.Request) {
	keyword := mux.Vars(r)["keyword"]
	if err := s.Store.RemoveBlockedKeyword(r.Context(), keyword); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"keyword": keyword})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.GetPolicyConfig(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "disconnected", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Store.PendingRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := map[string]any{"total_pending": len(pending)}
	if s.Metrics != nil {
		stats["uptime_seconds"] = s.Metrics.Uptime().Seconds()
	}
	writeJSON(w, http.StatusOK, stats)
}

// decodeBodyForDisplay mirrors the original proxy_api.py's best-effort text
// decode: return the body as text, falling back to a sentinel for bytes
// that won't round-trip through UTF-8.
func decodeBodyForDisplay(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if s := string(body); isPrintableUTF8(s) {
		return s
	}
	return "[binary data - unable to decode]"
}

func isPrintableUTF8(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

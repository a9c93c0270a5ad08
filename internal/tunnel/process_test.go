package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kdhira/mitm-proxy/internal/httpmsg"
	"github.com/kdhira/mitm-proxy/internal/metrics"
	"github.com/kdhira/mitm-proxy/internal/policy"
	"github.com/kdhira/mitm-proxy/internal/store"
)

func newTestHandler(t *testing.T, st store.Store) *Handler {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(nil, st, policy.New(st), nil, m, true)
}

func hostnameOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u.Host
}

func TestProcessForwardsInFilterModeWhenDomainNotBlocked(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	st := store.NewMemStore()
	if err := st.SetMode(context.Background(), "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	h := newTestHandler(t, st)

	req := &httpmsg.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Headers: map[string]string{}}
	resp, outcome, _, reqID := h.process(context.Background(), "conn-1", hostnameOf(t, upstream.URL), "http", req)
	if outcome != outcomeForwarded {
		t.Fatalf("expected forwarded, got %s", outcome)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if reqID == "" {
		t.Fatalf("expected a non-empty request id even for a forwarded request")
	}
}

func TestProcessDeniesBlockedDomainInFilterMode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should not be called for a blocked domain")
	}))
	defer upstream.Close()

	host := hostnameOf(t, upstream.URL)
	st := store.NewMemStore()
	st.SetMode(context.Background(), "filter")
	st.AddBlockedDomain(context.Background(), host)
	h := newTestHandler(t, st)

	req := &httpmsg.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Headers: map[string]string{}}
	resp, outcome, reason, _ := h.process(context.Background(), "conn-1", host, "http", req)
	if outcome != outcomeBlocked {
		t.Fatalf("expected blocked, got %s (%s)", outcome, reason)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestProcessDeniesKeywordInResponseBodyWhenForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("this page mentions forbiddenword here"))
	}))
	defer upstream.Close()

	st := store.NewMemStore()
	st.SetMode(context.Background(), "filter")
	st.AddBlockedKeyword(context.Background(), "forbiddenword")
	h := newTestHandler(t, st)

	req := &httpmsg.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Headers: map[string]string{}}
	resp, outcome, _, _ := h.process(context.Background(), "conn-1", hostnameOf(t, upstream.URL), "http", req)
	if outcome != outcomeBlocked {
		t.Fatalf("expected blocked on keyword match, got %s", outcome)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

// responseIDCapturingStore wraps a Store to hand the test the id assigned to
// a response record the instant it is saved, since intercept mode never
// exposes a pending-responses listing the way it does for requests.
type responseIDCapturingStore struct {
	store.Store
	savedResponses chan store.ResponseRecord
}

func (s *responseIDCapturingStore) SaveResponse(ctx context.Context, r *store.ResponseRecord) error {
	if err := s.Store.SaveResponse(ctx, r); err != nil {
		return err
	}
	s.savedResponses <- *r
	return nil
}

func TestProcessSuspendsInInterceptModeAndHonorsAllowDecision(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("approved"))
	}))
	defer upstream.Close()

	base := store.NewMemStore() // defaults to intercept mode
	st := &responseIDCapturingStore{Store: base, savedResponses: make(chan store.ResponseRecord, 1)}
	h := newTestHandler(t, st)

	const connID = "conn-42"
	var requestConnID string
	var responseConnID string

	// Simulate the control plane: allow the pending request once it
	// appears, then allow the resulting pending response once it is
	// saved.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := st.PendingRequests(context.Background())
			if len(pending) > 0 {
				if rec, err := st.GetRequest(context.Background(), pending[0].ID); err == nil {
					requestConnID = rec.ConnID
				}
				st.UpdateRequestStatus(context.Background(), pending[0].ID, store.StatusAllowed)
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		select {
		case rec := <-st.savedResponses:
			responseConnID = rec.ConnID
			st.UpdateResponseStatus(context.Background(), rec.ID, store.StatusAllowed)
		case <-time.After(2 * time.Second):
			t.Error("timed out waiting for response record to be saved")
		}
	}()

	req := &httpmsg.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Headers: map[string]string{}}
	resp, outcome, reason, reqID := h.process(context.Background(), connID, hostnameOf(t, upstream.URL), "http", req)
	if outcome != outcomeForwarded {
		t.Fatalf("expected forwarded after allow decisions, got %s (%s)", outcome, reason)
	}
	if string(resp.Body) != "approved" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if requestConnID != connID {
		t.Fatalf("expected request record to carry conn id %q, got %q", connID, requestConnID)
	}
	if responseConnID != connID {
		t.Fatalf("expected response record to carry conn id %q, got %q", connID, responseConnID)
	}
	if reqID == "" {
		t.Fatalf("expected a non-empty request id")
	}
}

func TestProcessSuspendsAndHonorsBlockDecision(t *testing.T) {
	st := store.NewMemStore()
	h := newTestHandler(t, st)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := st.PendingRequests(context.Background())
			if len(pending) > 0 {
				st.UpdateRequestStatus(context.Background(), pending[0].ID, store.StatusBlocked)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	req := &httpmsg.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Headers: map[string]string{}}
	resp, outcome, _, _ := h.process(context.Background(), "conn-1", "example.com", "http", req)
	if outcome != outcomeBlocked {
		t.Fatalf("expected blocked, got %s", outcome)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by callers that do not
// need the decision state to survive a restart. It implements the same
// contract as BoltStore, including the Wait push path.
type MemStore struct {
	mu        sync.RWMutex
	requests  map[string]*RequestRecord
	responses map[string]*ResponseRecord
	config    PolicyConfig
	notify    *notifier
}

// NewMemStore returns an empty MemStore in "intercept" mode.
func NewMemStore() *MemStore {
	return &MemStore{
		requests:  make(map[string]*RequestRecord),
		responses: make(map[string]*ResponseRecord),
		config:    PolicyConfig{Mode: "intercept"},
		notify:    newNotifier(),
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneRequest(r *RequestRecord) *RequestRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = cloneHeaders(r.Headers)
	c.Body = cloneBytes(r.Body)
	c.ModifiedBody = cloneBytes(r.ModifiedBody)
	return &c
}

func cloneResponse(r *ResponseRecord) *ResponseRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = cloneHeaders(r.Headers)
	c.Body = cloneBytes(r.Body)
	return &c
}

func (m *MemStore) SaveRequest(ctx context.Context, r *RequestRecord) error {
	if r.ID == "" {
		return fmt.Errorf("save request: empty id")
	}
	r.Status = normalizeStatus(r.Status)
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.requests[r.ID] = cloneRequest(r)
	m.mu.Unlock()
	m.notify.publish(KindRequest, r.ID, r.Status)
	return nil
}

func (m *MemStore) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return cloneRequest(r), nil
}

func (m *MemStore) UpdateRequestStatus(ctx context.Context, id string, status Status) error {
	status = normalizeStatus(status)
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	r.Status = status
	m.mu.Unlock()
	m.notify.publish(KindRequest, id, status)
	return nil
}

func (m *MemStore) UpdateRequestData(ctx context.Context, id string, headers map[string]string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if headers != nil {
		r.Headers = cloneHeaders(headers)
	}
	if body != nil {
		r.ModifiedBody = cloneBytes(body)
	}
	return nil
}

func (m *MemStore) DeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	delete(m.responses, id)
	return nil
}

func (m *MemStore) PendingRequests(ctx context.Context) ([]PendingSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingSummary, 0)
	for _, r := range m.requests {
		if r.Status != StatusPending {
			continue
		}
		out = append(out, PendingSummary{
			ID:        r.ID,
			Hostname:  r.Hostname,
			Method:    r.Method,
			Path:      r.Path,
			Timestamp: r.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *MemStore) SaveResponse(ctx context.Context, r *ResponseRecord) error {
	if r.ID == "" {
		return fmt.Errorf("save response: empty id")
	}
	r.Status = normalizeStatus(r.Status)
	if r.Status == "" {
		r.Status = StatusPending
	}
	m.mu.Lock()
	m.responses[r.ID] = cloneResponse(r)
	m.mu.Unlock()
	m.notify.publish(KindResponse, r.ID, r.Status)
	return nil
}

func (m *MemStore) GetResponse(ctx context.Context, id string) (*ResponseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.responses[id]
	if !ok {
		return nil, fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	return cloneResponse(r), nil
}

func (m *MemStore) UpdateResponseStatus(ctx context.Context, id string, status Status) error {
	status = normalizeStatus(status)
	m.mu.Lock()
	r, ok := m.responses[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	r.Status = status
	m.mu.Unlock()
	m.notify.publish(KindResponse, id, status)
	return nil
}

func (m *MemStore) UpdateResponseData(ctx context.Context, id string, headers map[string]string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	if headers != nil {
		r.Headers = cloneHeaders(headers)
	}
	if body != nil {
		r.Body = cloneBytes(body)
	}
	return nil
}

func (m *MemStore) Wait(ctx context.Context, kind RecordKind, id string) (Status, error) {
	return m.notify.wait(ctx, kind, id, func() (Status, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if kind == KindResponse {
			if r, ok := m.responses[id]; ok {
				return r.Status, nil
			}
			return StatusPending, nil
		}
		if r, ok := m.requests[id]; ok {
			return r.Status, nil
		}
		return StatusPending, nil
	})
}

func (m *MemStore) GetPolicyConfig(ctx context.Context) (PolicyConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.config
	cfg.BlockedDomains = append([]string(nil), m.config.BlockedDomains...)
	cfg.BlockedKeywords = append([]string(nil), m.config.BlockedKeywords...)
	return cfg, nil
}

func (m *MemStore) SetMode(ctx context.Context, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Mode = mode
	return nil
}

func addUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

func (m *MemStore) AddBlockedDomain(ctx context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.BlockedDomains = addUnique(m.config.BlockedDomains, domain)
	return nil
}

func (m *MemStore) RemoveBlockedDomain(ctx context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.BlockedDomains = removeValue(m.config.BlockedDomains, domain)
	return nil
}

func (m *MemStore) AddBlockedKeyword(ctx context.Context, keyword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.BlockedKeywords = addUnique(m.config.BlockedKeywords, keyword)
	return nil
}

func (m *MemStore) RemoveBlockedKeyword(ctx context.Context, keyword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.BlockedKeywords = removeValue(m.config.BlockedKeywords, keyword)
	return nil
}

func (m *MemStore) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]*RequestRecord)
	m.responses = make(map[string]*ResponseRecord)
	return nil
}

func (m *MemStore) Close() error { return nil }

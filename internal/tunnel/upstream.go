package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kdhira/mitm-proxy/internal/httpmsg"
)

// forwardUpstream issues req against scheme://hostname, per spec.md §4.6
// S6: no redirect following, upstream TLS verification controlled by
// Handler.InsecureUpstream, and the entire response body read into memory
// (the parser/store model has no streaming path).
func (h *Handler) forwardUpstream(ctx context.Context, scheme, hostname string, req *httpmsg.Request) (*httpmsg.Response, error) {
	url := fmt.Sprintf("%s://%s%s", scheme, hostname, req.Path)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = hostname

	start := time.Now()
	resp, err := h.upstreamClient.Do(httpReq)
	if h.Metrics != nil {
		h.Metrics.UpstreamLatencySec.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.UpstreamErrors.Inc()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.UpstreamErrors.Inc()
		}
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &httpmsg.Response{
		Version:    resp.Proto,
		StatusCode: resp.StatusCode,
		Reason:     strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		Headers:    headers,
		Body:       body,
	}, nil
}

// writeResponse implements S9: a minimal status line, every header except
// Transfer-Encoding and Content-Encoding, Content-Length rewritten to the
// exact body length being sent, then the body.
func writeResponse(w io.Writer, resp *httpmsg.Response) error {
	headers := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Content-Encoding") {
			continue
		}
		headers[k] = v
	}
	headers["Content-Length"] = fmt.Sprintf("%d", len(resp.Body))

	out := &httpmsg.Response{
		Version:    resp.Version,
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Headers:    headers,
		Body:       resp.Body,
	}
	_, err := w.Write(out.WriteTo())
	return err
}

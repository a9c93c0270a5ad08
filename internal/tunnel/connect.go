package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kdhira/mitm-proxy/internal/auditlog"
	"github.com/kdhira/mitm-proxy/internal/httpmsg"
	"github.com/kdhira/mitm-proxy/internal/policy"
	"github.com/kdhira/mitm-proxy/internal/store"
)

// handleConnect drives S1..T for a CONNECT tunnel: mint-or-cache the leaf
// certificate, terminate TLS toward the client, parse the inner request,
// classify it, suspend for a decision if needed, forward upstream, and
// relay the response.
func (h *Handler) handleConnect(connID string, rawConn net.Conn, reader *bufio.Reader, firstLine string) {
	start := time.Now()
	hostname := httpmsg.ExtractHostname(strings.TrimRight(firstLine, "\r\n"))
	if hostname == "" {
		h.writeRaw(rawConn, badRequest())
		h.logConnect(connID, "", start, "error", "malformed CONNECT target", nil)
		return
	}

	// Drain the rest of the CONNECT request's header block before replying;
	// the client won't start its TLS handshake until it sees 200.
	if err := drainHeaderBlock(reader); err != nil {
		h.writeRaw(rawConn, badRequest())
		h.logConnect(connID, hostname, start, "error", "malformed CONNECT headers", nil)
		return
	}

	// S1: mint-or-cache.
	cert, err := h.CertCache.Get(hostname)
	if err != nil {
		h.writeRaw(rawConn, badRequest())
		h.logConnect(connID, hostname, start, "error", err.Error(), nil)
		return
	}
	if h.Metrics != nil {
		h.Metrics.CertsMinted.Inc()
	}

	// S2: announce the tunnel, then upgrade to server-side TLS. The reader
	// still owns any bytes buffered ahead of the handshake, so TLS reads
	// through it rather than directly off rawConn.
	if _, err := rawConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	tlsConn := tls.Server(&bufferedConn{Conn: rawConn, r: reader}, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
	})
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		h.logConnect(connID, hostname, start, "error", "tls handshake failed: "+err.Error(), nil)
		return
	}

	for {
		if !h.serveOneInnerRequest(connID, hostname, tlsConn) {
			return
		}
	}
}

// serveOneInnerRequest runs S3..S9 once over an established TLS session,
// returning false when the connection should close (state T).
func (h *Handler) serveOneInnerRequest(connID, hostname string, tlsConn net.Conn) bool {
	start := time.Now()
	buf := make([]byte, innerRequestReadLimit)
	n, err := tlsConn.Read(buf)
	if err != nil || n == 0 {
		return false
	}

	req, ok := httpmsg.ParseRequest(buf[:n])
	if !ok || req == nil {
		return false
	}

	resp, outcome, reason, reqID := h.process(context.Background(), connID, hostname, "https", req)
	if err := writeResponse(tlsConn, resp); err != nil {
		return false
	}

	h.logRequest(connID, reqID, hostname, "connect", req, resp, outcome, reason, start)
	return outcome == outcomeForwarded
}

// drainHeaderBlock consumes lines off reader up to and including the blank
// line terminating a CONNECT request's header block, discarding them; the
// proxy has no use for the client's CONNECT headers themselves.
func drainHeaderBlock(reader *bufio.Reader) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// bufferedConn lets a TLS server read through a bufio.Reader that may
// already hold bytes buffered ahead of the underlying net.Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (h *Handler) writeRaw(conn net.Conn, resp *httpmsg.Response) {
	_, _ = conn.Write(resp.WriteTo())
}

func (h *Handler) logConnect(connID, hostname string, start time.Time, outcome, errMsg string, headers map[string]string) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(context.Background(), auditlog.Entry{
		Time:      start.UTC(),
		ConnID:    connID,
		Hostname:  hostname,
		Kind:      "connect",
		Outcome:   outcome,
		Error:     errMsg,
		Headers:   auditlog.SanitiseHeaders(headers),
		LatencyMS: time.Since(start).Milliseconds(),
	})
}

const (
	outcomeForwarded = "forwarded"
	outcomeBlocked   = "blocked"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
)

// process implements S4..S9 for one parsed inner/plain request, shared by
// the CONNECT and plain-HTTP paths. Every request is assigned a request id
// on entry, used to correlate its decision-store records (when intercepted)
// and its audit log line with the connection id of the socket it arrived
// on, regardless of outcome.
func (h *Handler) process(ctx context.Context, connID, hostname, scheme string, req *httpmsg.Request) (resp *httpmsg.Response, outcome, reason, reqID string) {
	reqID = uuid.NewString()

	verdict, err := h.Policy.ClassifyRequest(ctx, hostname)
	if err != nil {
		return badGateway("policy engine unavailable"), outcomeError, err.Error(), reqID
	}

	var effectiveReq *httpmsg.Request

	switch verdict.Outcome {
	case policy.Deny:
		return deniedResponse(string(policy.DeniedPage(verdict))), outcomeBlocked, "domain:" + verdict.Rule, reqID

	case policy.Forward:
		effectiveReq = req

	case policy.Intercept:
		if err := h.Store.SaveRequest(ctx, &store.RequestRecord{
			ID:        reqID,
			ConnID:    connID,
			Hostname:  hostname,
			Method:    req.Method,
			Path:      req.Path,
			Version:   req.Version,
			Headers:   req.Headers,
			Body:      req.Body,
			Timestamp: time.Now(),
			Status:    store.StatusPending,
		}); err != nil {
			return badGateway("decision store unavailable"), outcomeError, err.Error(), reqID
		}

		status := h.waitForDecision(ctx, store.KindRequest, reqID, "request")
		switch status {
		case store.StatusBlocked:
			_ = h.Store.DeleteRequest(ctx, reqID)
			return blockedByProxy(), outcomeBlocked, "control-plane decision", reqID
		case store.StatusAllowed:
			record, err := h.Store.GetRequest(ctx, reqID)
			if err != nil {
				return badGateway("decision store unavailable"), outcomeError, err.Error(), reqID
			}
			effectiveReq = &httpmsg.Request{
				Method:  record.Method,
				Path:    record.Path,
				Version: record.Version,
				Headers: stripAcceptEncoding(record.Headers),
				Body:    record.EffectiveBody(),
			}
		default: // pending: waitForDecision timed out
			return requestTimeout(), outcomeTimeout, "request decision timed out", reqID
		}
	}

	upstreamResp, err := h.forwardUpstream(ctx, scheme, hostname, effectiveReq)
	if err != nil {
		return badGateway("upstream error: " + err.Error()), outcomeError, err.Error(), reqID
	}

	resp, outcome, reason = h.classifyResponse(ctx, connID, hostname, reqID, verdict.Outcome, upstreamResp)
	return resp, outcome, reason, reqID
}

// classifyResponse implements S7..S8: for filter mode, a keyword scan of
// the decoded body; for intercept mode, another store round trip. The
// response record reuses reqID so it correlates with its originating
// request in both the decision store and the audit log.
func (h *Handler) classifyResponse(ctx context.Context, connID, hostname, reqID string, reqOutcome policy.Outcome, resp *httpmsg.Response) (*httpmsg.Response, string, string) {
	if reqOutcome == policy.Forward {
		verdict, err := h.Policy.ClassifyResponseBody(ctx, decodeLossy(resp.Body))
		if err != nil {
			return badGateway("policy engine unavailable"), outcomeError, err.Error()
		}
		if verdict.Outcome == policy.Deny {
			return deniedResponse(string(policy.DeniedPage(verdict))), outcomeBlocked, "keyword:" + verdict.Rule
		}
		return resp, outcomeForwarded, ""
	}

	if err := h.Store.SaveResponse(ctx, &store.ResponseRecord{
		ID:         reqID,
		ConnID:     connID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Status:     store.StatusPending,
	}); err != nil {
		return badGateway("decision store unavailable"), outcomeError, err.Error()
	}

	status := h.waitForDecision(ctx, store.KindResponse, reqID, "response")
	switch status {
	case store.StatusBlocked:
		return blockedByProxy(), outcomeBlocked, "control-plane decision"
	case store.StatusAllowed:
		record, err := h.Store.GetResponse(ctx, reqID)
		if err != nil {
			return badGateway("decision store unavailable"), outcomeError, err.Error()
		}
		return &httpmsg.Response{
			Version:    resp.Version,
			StatusCode: record.StatusCode,
			Reason:     resp.Reason,
			Headers:    record.Headers,
			Body:       record.Body,
		}, outcomeForwarded, ""
	default:
		return gatewayTimeout(), outcomeTimeout, "response decision timed out"
	}
}

func (h *Handler) logRequest(connID, reqID, hostname, kind string, req *httpmsg.Request, resp *httpmsg.Response, outcome, reason string, start time.Time) {
	if h.Audit == nil {
		return
	}
	if h.Metrics != nil {
		h.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	}
	_ = h.Audit.Record(context.Background(), auditlog.Entry{
		Time:       start.UTC(),
		ConnID:     connID,
		RequestID:  reqID,
		Hostname:   hostname,
		Kind:       kind,
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Outcome:    outcome,
		Reason:     reason,
		Headers:    auditlog.SanitiseHeaders(req.Headers),
		LatencyMS:  time.Since(start).Milliseconds(),
	})
}

// decodeLossy mirrors the UTF-8-with-replacement decoding spec.md §4.6
// applies when scanning a response body for blocked keywords: invalid
// sequences become U+FFFD rather than failing the scan.
func decodeLossy(b []byte) string {
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

package tunnel

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kdhira/mitm-proxy/internal/httpmsg"
)

// handlePlain drives the same S3..T machine as the CONNECT path for a
// request sent directly to the proxy over plain HTTP (no tunnel, no TLS
// termination). The hostname comes from the absolute-URI in the request
// line, falling back to the Host header for origin-form requests.
func (h *Handler) handlePlain(connID string, conn net.Conn, reader *bufio.Reader, firstLine string) {
	for {
		start := time.Now()

		head, err := readRemainingHead(reader, firstLine)
		if err != nil {
			return
		}
		req, ok := httpmsg.ParseRequest(head)
		if !ok || req == nil {
			h.writeRaw(conn, badRequest())
			return
		}

		hostname := plainHostname(req)
		if hostname == "" {
			h.writeRaw(conn, badRequest())
			h.logRequest(connID, uuid.NewString(), "", "plain", req, badRequest(), outcomeError, "missing host", start)
			return
		}

		resp, outcome, reason, reqID := h.process(context.Background(), connID, hostname, "http", req)
		if err := writeResponse(conn, resp); err != nil {
			return
		}
		h.logRequest(connID, reqID, hostname, "plain", req, resp, outcome, reason, start)

		if outcome != outcomeForwarded || !keepAlive(req, resp) {
			return
		}

		firstLine, err = reader.ReadString('\n')
		if err != nil {
			return
		}
	}
}

// readRemainingHead reconstitutes the raw request head: firstLine was
// already consumed off reader by Handle, so the rest of the header block is
// read and the two are stitched back together before parsing.
func readRemainingHead(reader *bufio.Reader, firstLine string) ([]byte, error) {
	buf := []byte(firstLine)
	for {
		if idx := strings.Index(string(buf), "\r\n\r\n"); idx >= 0 {
			return buf, nil
		}
		if len(buf) >= innerRequestReadLimit {
			return nil, &httpmsg.ErrMalformedFirstLine{Line: firstLine}
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
	}
}

// plainHostname extracts the target host from an absolute-URI request line
// ("GET http://host/path HTTP/1.1") or, for origin-form requests, the Host
// header.
func plainHostname(req *httpmsg.Request) string {
	if u, err := url.Parse(req.Path); err == nil && u.Host != "" {
		req.Path = u.RequestURI()
		return u.Host
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			return v
		}
	}
	return ""
}

func keepAlive(req *httpmsg.Request, resp *httpmsg.Response) bool {
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Connection") && strings.EqualFold(v, "close") {
			return false
		}
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Connection") {
			return strings.EqualFold(v, "keep-alive")
		}
	}
	return req.Version == "HTTP/1.1"
}

package httpmsg

import (
	"testing"
)

func TestParseRequestWellFormed(t *testing.T) {
	raw := []byte("GET /path?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Test: yes\r\n\r\nhello body")
	req, ok := ParseRequest(raw)
	if !ok {
		t.Fatalf("expected complete parse")
	}
	if req.Method != "GET" || req.Path != "/path?x=1" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	if req.Headers["Host"] != "example.com" || req.Headers["X-Test"] != "yes" {
		t.Fatalf("unexpected headers: %v", req.Headers)
	}
	if string(req.Body) != "hello body" {
		t.Fatalf("unexpected body: %q", req.Body)
	}
}

func TestParseRequestIncompleteHeadReturnsNotOK(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n")
	if _, ok := ParseRequest(raw); ok {
		t.Fatalf("expected incomplete head to report not ok")
	}
}

func TestParseRequestLenientDefaultsMissingFields(t *testing.T) {
	raw := []byte("\r\n\r\n")
	req, ok := ParseRequest(raw)
	if !ok {
		t.Fatalf("expected complete parse")
	}
	if req.Method != DefaultMethod || req.Path != DefaultPath || req.Version != DefaultVersion {
		t.Fatalf("expected defaults, got %+v", req)
	}
}

func TestParseRequestLenientDefaultsPartialLine(t *testing.T) {
	raw := []byte("GET\r\n\r\n")
	req, ok := ParseRequest(raw)
	if !ok {
		t.Fatalf("expected complete parse")
	}
	if req.Method != "GET" || req.Path != DefaultPath || req.Version != DefaultVersion {
		t.Fatalf("expected method kept, rest defaulted, got %+v", req)
	}
}

func TestParseRequestStrictRejectsMalformedLine(t *testing.T) {
	raw := []byte("GET\r\n\r\n")
	_, complete, err := ParseRequestStrict(raw)
	if !complete {
		t.Fatalf("expected head to be recognized as complete")
	}
	if err == nil {
		t.Fatalf("expected malformed first line error")
	}
	if _, ok := err.(*ErrMalformedFirstLine); !ok {
		t.Fatalf("expected ErrMalformedFirstLine, got %T", err)
	}
}

func TestParseRequestStrictAcceptsWellFormedLine(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n\r\n")
	req, complete, err := ParseRequestStrict(raw)
	if !complete || err != nil {
		t.Fatalf("unexpected result: complete=%v err=%v", complete, err)
	}
	if req.Method != "GET" {
		t.Fatalf("unexpected method: %s", req.Method)
	}
}

func TestDuplicateHeadersKeepLastWrite(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nX-Dup: first\r\nX-Dup: second\r\n\r\n")
	req, ok := ParseRequest(raw)
	if !ok {
		t.Fatalf("expected complete parse")
	}
	if req.Headers["X-Dup"] != "second" {
		t.Fatalf("expected last header write to win, got %q", req.Headers["X-Dup"])
	}
}

func TestIsConnectAndExtractHostname(t *testing.T) {
	if !IsConnect("CONNECT example.com:443 HTTP/1.1") {
		t.Fatalf("expected CONNECT to be recognized")
	}
	if IsConnect("GET / HTTP/1.1") {
		t.Fatalf("did not expect GET to be recognized as CONNECT")
	}
	if host := ExtractHostname("CONNECT example.com:443 HTTP/1.1"); host != "example.com" {
		t.Fatalf("unexpected hostname: %q", host)
	}
	if host := ExtractHostname("GET / HTTP/1.1"); host != "" {
		t.Fatalf("expected empty hostname for non-CONNECT line, got %q", host)
	}
}

func TestParseResponseWellFormed(t *testing.T) {
	raw := []byte("HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\n\r\nmissing")
	resp, ok := ParseResponse(raw)
	if !ok {
		t.Fatalf("expected complete parse")
	}
	if resp.StatusCode != 404 || resp.Reason != "Not Found" {
		t.Fatalf("unexpected status line: %+v", resp)
	}
	if string(resp.Body) != "missing" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestRequestWriteToRoundTrips(t *testing.T) {
	req := &Request{
		Method:  "POST",
		Path:    "/submit",
		Version: "HTTP/1.1",
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    []byte("payload"),
	}
	reparsed, ok := ParseRequest(req.WriteTo())
	if !ok {
		t.Fatalf("expected serialized request to reparse")
	}
	if reparsed.Method != req.Method || reparsed.Path != req.Path || string(reparsed.Body) != string(req.Body) {
		t.Fatalf("round trip mismatch: %+v", reparsed)
	}
	if reparsed.Headers["Content-Type"] != "text/plain" {
		t.Fatalf("expected header to survive round trip")
	}
}

func TestResponseWriteToUsesActualReasonPhrase(t *testing.T) {
	resp := &Response{Version: "HTTP/1.1", StatusCode: 403, Reason: "Forbidden", Body: []byte("nope")}
	out := resp.WriteTo()
	if got := string(out[:len("HTTP/1.1 403 Forbidden")]); got != "HTTP/1.1 403 Forbidden" {
		t.Fatalf("expected actual reason phrase in status line, got %q", got)
	}
}

func TestInvalidUTF8DecodesWithReplacement(t *testing.T) {
	raw := append([]byte("GET / HTTP/1.1\r\nX-Bin: "), 0xff, 0xfe)
	raw = append(raw, []byte("\r\n\r\n")...)
	req, ok := ParseRequest(raw)
	if !ok {
		t.Fatalf("expected complete parse despite invalid utf-8")
	}
	if req.Method != "GET" {
		t.Fatalf("unexpected method: %s", req.Method)
	}
	if got := req.Headers["X-Bin"]; got != "��" {
		t.Fatalf("expected each invalid byte replaced with U+FFFD, got %q", got)
	}
}

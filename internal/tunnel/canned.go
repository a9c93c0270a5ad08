package tunnel

import (
	"strconv"

	"github.com/kdhira/mitm-proxy/internal/httpmsg"
)

// cannedResponse builds a minimal response for a state machine dead-end
// (bad mint, timeout, upstream failure) that never goes through the normal
// S9 write path because there is no upstream response to relay.
func cannedResponse(code int, reason, body string) *httpmsg.Response {
	return &httpmsg.Response{
		Version:    "HTTP/1.1",
		StatusCode: code,
		Reason:     reason,
		Headers: map[string]string{
			"Content-Type":   "text/plain; charset=utf-8",
			"Content-Length": strconv.Itoa(len(body)),
			"Connection":     "close",
		},
		Body: []byte(body),
	}
}

func badRequest() *httpmsg.Response {
	return cannedResponse(400, "Bad Request", "Bad Request")
}

func deniedResponse(reason string) *httpmsg.Response {
	return &httpmsg.Response{
		Version:    "HTTP/1.1",
		StatusCode: 403,
		Reason:     "Forbidden",
		Headers: map[string]string{
			"Content-Type": "text/html; charset=utf-8",
		},
		Body: []byte(reason),
	}
}

func blockedByProxy() *httpmsg.Response {
	return cannedResponse(403, "Forbidden", "Blocked by proxy")
}

func requestTimeout() *httpmsg.Response {
	return cannedResponse(408, "Request Timeout", "Request Timeout")
}

func badGateway(msg string) *httpmsg.Response {
	return cannedResponse(502, "Bad Gateway", msg)
}

func gatewayTimeout() *httpmsg.Response {
	return cannedResponse(504, "Gateway Timeout", "Gateway Timeout")
}

package auditlog

import "strings"

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"apikey":              {},
	"x-auth-token":        {},
	"cookie":              {},
	"set-cookie":          {},
}

// SanitiseHeaders returns a copy of headers suitable for structured logs,
// masking values of known-sensitive header names. Grounded on
// internal/audit.SanitiseHeaders, adapted from http.Header to the plain
// map[string]string shape the decision store uses.
func SanitiseHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = maskToken(v)
			continue
		}
		out[k] = v
	}
	return out
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) == 2 {
		return parts[0] + " " + maskCore(parts[1])
	}
	return maskCore(v)
}

func maskCore(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:2] + "***" + v[len(v)-2:]
}

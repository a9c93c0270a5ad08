// Package policy classifies an intercepted request against the proxy's
// live mode and block lists, in the manner of the teacher's
// internal/proxy.FilterChain — but reading its rules from the decision
// store instead of a static config snapshot, so control-plane edits to
// blocked_domains/blocked_keywords take effect on the next request without
// a restart.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/kdhira/mitm-proxy/internal/store"
)

// Outcome is the verdict the tunnel handler acts on.
type Outcome int

const (
	// Intercept means the worker must suspend for an explicit
	// allow/block decision from the control plane.
	Intercept Outcome = iota
	// Forward means the request may proceed without human review.
	Forward
	// Deny means the request (or, for a keyword match, the response) is
	// rejected outright with a canned page.
	Deny
)

// Verdict is the result of classifying a request or a response body.
type Verdict struct {
	Outcome Outcome
	// Reason is set for Deny: "domain" or "keyword".
	Reason string
	// Rule is the specific blocked_domains/blocked_keywords entry that
	// fired, for the canned page and audit log.
	Rule string
}

// Engine classifies requests against the live PolicyConfig in store.
type Engine struct {
	store store.Store
}

// New returns a policy Engine reading live configuration from s.
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// ClassifyRequest implements spec.md §4.5 step 1-2: intercept mode always
// suspends; filter mode only blocks on a domain match, deferring keyword
// scanning to the response stage.
func (e *Engine) ClassifyRequest(ctx context.Context, hostname string) (Verdict, error) {
	cfg, err := e.store.GetPolicyConfig(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("classify request: %w", err)
	}
	if cfg.Mode != "filter" {
		return Verdict{Outcome: Intercept}, nil
	}
	for _, blocked := range cfg.BlockedDomains {
		if matchesDomain(hostname, blocked) {
			return Verdict{Outcome: Deny, Reason: "domain", Rule: blocked}, nil
		}
	}
	return Verdict{Outcome: Forward}, nil
}

// ClassifyResponseBody implements spec.md §4.5's response-stage keyword
// scan: in filter mode, a forwarded response is converted to a Deny if any
// blocked keyword appears as a substring of the decoded body text.
func (e *Engine) ClassifyResponseBody(ctx context.Context, body string) (Verdict, error) {
	cfg, err := e.store.GetPolicyConfig(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("classify response: %w", err)
	}
	if cfg.Mode != "filter" {
		return Verdict{Outcome: Forward}, nil
	}
	for _, kw := range cfg.BlockedKeywords {
		if kw != "" && strings.Contains(body, kw) {
			return Verdict{Outcome: Deny, Reason: "keyword", Rule: kw}, nil
		}
	}
	return Verdict{Outcome: Forward}, nil
}

// matchesDomain matches hostname against a blocked entry by exact,
// case-insensitive comparison. blocked_domains is a set of exact hostnames,
// not a suffix pattern.
func matchesDomain(hostname, blocked string) bool {
	return strings.EqualFold(hostname, blocked)
}

// DeniedPage renders the canned 403 HTML page spec.md §4.5 requires,
// naming which rule fired.
func DeniedPage(v Verdict) []byte {
	var why string
	switch v.Reason {
	case "domain":
		return []byte(fmt.Sprintf(deniedPageTmpl, "domain", v.Rule))
	case "keyword":
		why = v.Rule
		return []byte(fmt.Sprintf(deniedPageTmpl, "keyword", why))
	default:
		return []byte(fmt.Sprintf(deniedPageTmpl, "policy", "unspecified"))
	}
}

const deniedPageTmpl = `<!DOCTYPE html>
<html>
<head><title>403 Forbidden</title></head>
<body>
<h1>403 Forbidden</h1>
<p>This request was blocked by the proxy's %s rule: %s</p>
</body>
</html>
`

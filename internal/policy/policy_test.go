package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/kdhira/mitm-proxy/internal/store"
)

func TestClassifyRequestDefaultsToIntercept(t *testing.T) {
	s := store.NewMemStore()
	e := New(s)
	v, err := e.ClassifyRequest(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Intercept {
		t.Fatalf("expected intercept by default, got %v", v.Outcome)
	}
}

func TestClassifyRequestFilterModeForwardsUnlistedHost(t *testing.T) {
	s := store.NewMemStore()
	if err := s.SetMode(context.Background(), "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyRequest(context.Background(), "ok.example")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Forward {
		t.Fatalf("expected forward, got %v", v.Outcome)
	}
}

func TestClassifyRequestFilterModeDeniesBlockedDomain(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.SetMode(ctx, "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := s.AddBlockedDomain(ctx, "evil.example"); err != nil {
		t.Fatalf("add domain: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyRequest(ctx, "evil.example")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Deny || v.Reason != "domain" || v.Rule != "evil.example" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestClassifyRequestFilterModeAllowsSubdomainOfBlockedDomain(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.SetMode(ctx, "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := s.AddBlockedDomain(ctx, "evil.example"); err != nil {
		t.Fatalf("add domain: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyRequest(ctx, "api.evil.example")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Forward {
		t.Fatalf("expected subdomain of a blocked domain to be forwarded (exact match only), got %v", v.Outcome)
	}
}

func TestClassifyRequestFilterModeBlockedDomainMatchIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.SetMode(ctx, "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := s.AddBlockedDomain(ctx, "Evil.Example"); err != nil {
		t.Fatalf("add domain: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyRequest(ctx, "evil.example")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Deny || v.Reason != "domain" {
		t.Fatalf("expected case-insensitive exact match to deny, got %+v", v)
	}
}

func TestClassifyResponseBodyIgnoredOutsideFilterMode(t *testing.T) {
	s := store.NewMemStore()
	if err := s.AddBlockedKeyword(context.Background(), "contraband"); err != nil {
		t.Fatalf("add keyword: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyResponseBody(context.Background(), "this has contraband in it")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Forward {
		t.Fatalf("expected forward in non-filter mode, got %v", v.Outcome)
	}
}

func TestClassifyResponseBodyDeniesOnKeywordMatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.SetMode(ctx, "filter"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := s.AddBlockedKeyword(ctx, "contraband"); err != nil {
		t.Fatalf("add keyword: %v", err)
	}
	e := New(s)
	v, err := e.ClassifyResponseBody(ctx, "this response mentions contraband openly")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Outcome != Deny || v.Reason != "keyword" || v.Rule != "contraband" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestDeniedPageNamesTheRule(t *testing.T) {
	page := DeniedPage(Verdict{Outcome: Deny, Reason: "domain", Rule: "evil.example"})
	if !strings.Contains(string(page), "evil.example") {
		t.Fatalf("expected denied page to name the rule, got %s", page)
	}
	if !strings.Contains(string(page), "403") {
		t.Fatalf("expected denied page to mention 403")
	}
}

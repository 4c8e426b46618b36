package breaker

import (
	"fmt"
	"net/http"
)

// Transport is an http.RoundTripper guarded by a Breaker. Transport errors
// and 5xx and 429 responses count as failures; other responses as successes.
type Transport struct {
	Base    http.RoundTripper
	Breaker *Breaker
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	switch {
	case err != nil:
		// A canceled request says nothing about the API's health.
		if req.Context().Err() != nil {
			t.Breaker.abandon()
		} else {
			t.Breaker.Failure()
		}
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.Breaker.Failure()
	default:
		t.Breaker.Success()
	}
	return resp, err
}

// Client returns a copy of c, or a new client when c is nil, whose
// transport is guarded by b.
func Client(c *http.Client, b *Breaker) *http.Client {
	var out http.Client
	if c != nil {
		out = *c
	}
	out.Transport = &Transport{Base: out.Transport, Breaker: b}
	return &out
}

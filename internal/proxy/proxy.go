// Package proxy forwards a verified, paid request to its configured
// backend origin (spec.md §9 design note: this collaborator sits
// outside the payment core). Built on the standard library's reverse
// proxy because this concern is explicitly out of the core's scope and
// no example in the retrieval pack reaches for a third-party reverse
// proxy library for plain backend forwarding.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"

	"stronghold/internal/x402"
)

// HeaderPayer carries the verified payer address through to the
// backend; "unknown" when absent (spec §6).
const HeaderPayer = "X-X402-Payer"

// New returns a fiber-agnostic http.Handler that forwards to
// route.BackendURL, suitable for mounting as the terminal handler behind
// a Gateway.RequirePayment wrapper.
func New(route x402.RouteDescriptor) (http.Handler, error) {
	target, err := url.Parse(route.BackendURL)
	if err != nil {
		return nil, err
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		if route.BackendAPIKeyEnv != "" {
			if apiKey := os.Getenv(route.BackendAPIKeyEnv); apiKey != "" {
				header := route.BackendAPIKeyHeader
				if header == "" {
					header = "X-Internal-Api-Key"
				}
				req.Header.Set(header, apiKey)
			}
		}
		if req.Header.Get(HeaderPayer) == "" {
			req.Header.Set(HeaderPayer, "unknown")
		}
	}
	rp.ModifyResponse = wrapNonJSONError
	return rp, nil
}

// wrapNonJSONError wraps a non-JSON 5xx backend response into
// {"error": "..."} JSON so the gateway's response contract stays
// uniform regardless of what the backend returns on failure.
func wrapNonJSONError(resp *http.Response) error {
	if resp.StatusCode < 500 {
		return nil
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	wrapped, err := json.Marshal(map[string]string{"error": string(body)})
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(wrapped))
	resp.ContentLength = int64(len(wrapped))
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Content-Length", strconv.Itoa(len(wrapped)))
	return nil
}

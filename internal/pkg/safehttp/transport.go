// Package safehttp builds the outbound HTTP clients used by provider
// adapters.
package safehttp

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options controls the client built by NewClient.
type Options struct {
	// Timeout bounds a whole request including reading the body. Zero
	// leaves the deadline to the request context, which streaming needs.
	Timeout time.Duration

	// VerifyTLS disables certificate verification when false. Only meant
	// for self-hosted providers with private certificates.
	VerifyTLS bool
}

// NewClient returns an http.Client whose transport is instrumented with
// OpenTelemetry.
func NewClient(opts Options) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if !opts.VerifyTLS {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via AI_VERIFY_SSL=false
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(base),
	}
}

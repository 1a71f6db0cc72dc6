// Package gateway provides the public API for embedding the AI request
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/runtime"
)

// Gateway is the assembled gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Request and response types.
type (
	Request     = domain.Request
	Response    = domain.Response
	Chunk       = domain.Chunk
	Message     = domain.Message
	Requester   = domain.Requester
	Purpose     = domain.Purpose
	Role        = domain.Role
	AuditRecord = domain.AuditRecord
	AuditFilter = ports.AuditFilter
)

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := gw.Run(ctx); err != nil { ... }
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Identity and audit
	WithIdentityResolver = runtime.WithIdentityResolver
	WithAuditStore       = runtime.WithAuditStore

	// Infrastructure
	WithRedisClient = runtime.WithRedisClient
	WithAdapter     = runtime.WithAdapter
	WithTraceOutput = runtime.WithTraceOutput
	WithLogger      = runtime.WithLogger
)

// KindOf returns the error kind of an error returned by the gateway.
var KindOf = domain.KindOf

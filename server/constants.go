package server

import "github.com/dotside-studios/davi-pay-agent/buildinfo"

// mDNS service discovery
var (
	MDNSServiceType = "_davi-pay._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// HTTP routes
const (
	RouteWebSocket = "/ws"
	RouteAPIv1     = "/api/v1"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

// Rejection reasons reported to metrics.
const (
	RejectSessionClaimed = "session_claimed"
	RejectUnauthorized   = "unauthorized"
	RejectRateLimited    = "rate_limited"
)

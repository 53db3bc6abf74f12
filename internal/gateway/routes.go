package gateway

// Route path constants, matching the wire contract's endpoint table.
const (
	RouteHandshake  = "/handshake"
	RouteTools      = "/tools"
	RouteJobs       = "/jobs"
	RouteJob        = "/jobs/{id}"
	RouteJobResult  = "/jobs/{id}/result"
	RouteApprove    = "/approve"
)

// Session header names.
const (
	HeaderSession = "X-Coworker-Session"
	HeaderToken   = "X-Coworker-Token"
)

package model

// Close codes for session teardown. 1000-series codes follow RFC 6455;
// 4000-series codes are fabric-specific.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	ClosePolicyViolation      = 1008
	CloseAuthFailed           = 4001
	CloseAuthExpired          = 4002
	CloseSessionSuperseded    = 4003
	CloseHeartbeatTimeout     = 4004
	CloseBackpressureTerminal = 4005
	CloseAdminKicked          = 4006
)

// CloseReason names the codes for logs and audit events.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseAuthFailed:
		return "auth_failed"
	case CloseAuthExpired:
		return "auth_expired"
	case CloseSessionSuperseded:
		return "session_superseded"
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseBackpressureTerminal:
		return "backpressure_terminal"
	case CloseAdminKicked:
		return "admin_kicked"
	}
	return "unknown"
}

package model

// Audit action type constants for breaker transition records.
const (
	AuditActionBreakerOpened   = "BREAKER_OPENED"
	AuditActionBreakerClosed   = "BREAKER_CLOSED"
	AuditActionBreakerHalfOpen = "BREAKER_HALF_OPEN"
	AuditActionBreakerReset    = "BREAKER_RESET"
)

// AuditActionForState maps a target state to its audit action type.
func AuditActionForState(to CircuitState) string {
	switch to {
	case StateOpen:
		return AuditActionBreakerOpened
	case StateHalfOpen:
		return AuditActionBreakerHalfOpen
	default:
		return AuditActionBreakerClosed
	}
}

package models

// SystemMode is the process-wide operating mode. HARD_STOP is terminal and
// only a manual action clears it.
type SystemMode string

const (
	SystemNormal   SystemMode = "NORMAL"
	SystemHardStop SystemMode = "HARD_STOP"
)

// RiskState carries the daily risk flags. Everything except HARD_STOP (which
// lives in SystemMode) resets once per trading day.
type RiskState string

const (
	RiskNormal        RiskState = "NORMAL"
	RiskDailyStopHit  RiskState = "DAILY_STOP_HIT"
	RiskEmergencyExit RiskState = "EMERGENCY_EXIT_OCCURRED_TODAY"
)

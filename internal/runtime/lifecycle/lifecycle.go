// Package lifecycle holds process-level lifecycle types shared by the
// composition root and long-running services.
package lifecycle

// StopReason records why the process is shutting down. It travels through
// App.Stop so shutdown logs and audit records can tell an operator signal
// apart from an internal failure.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)

package core

// Process exit codes. Signal exits follow the 128+signal convention.
const (
	ExitCodeSuccess       = 0
	ExitCodeError         = 1
	ExitCodeConfig        = 2 // invalid configuration or manifest
	ExitCodeRestoreFailed = 3 // restoration ended in a Failed outcome
	ExitCodeForced        = 4 // second signal during shutdown
	ExitCodeSIGINT        = 130
	ExitCodeSIGTERM       = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeRestoreFailed:
		return "restoration failed"
	case ExitCodeForced:
		return "forced shutdown"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit reports whether code indicates termination by a signal.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}

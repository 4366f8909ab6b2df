package app

// StopReason records why the app is shutting down; it only feeds logs.
type StopReason string

const (
	StopReasonSignal     StopReason = "signal"
	StopReasonFatalError StopReason = "fatal error"
	StopReasonAppStop    StopReason = "app stop"
)

func (r StopReason) String() string {
	if r == "" {
		return "unspecified"
	}
	return string(r)
}

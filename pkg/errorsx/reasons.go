package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Device reasons end the session and are surfaced to the user.
	ReasonPermissionDenied ReasonCode = "permission_denied"
	ReasonDeviceNotFound   ReasonCode = "device_not_found"
	ReasonDeviceBusy       ReasonCode = "device_busy"

	ReasonCaptureUnavailable ReasonCode = "capture_unavailable"

	ReasonConnectionRefused   ReasonCode = "connection_refused"
	ReasonTimeout             ReasonCode = "timeout"
	ReasonModuleLoad          ReasonCode = "module_load"
	ReasonEncodingUnsupported ReasonCode = "encoding_unsupported"
	ReasonStreamError         ReasonCode = "stream_error"
	ReasonCircuitOpen         ReasonCode = "circuit_open"

	ReasonBackendUnavailable ReasonCode = "backend_unavailable"
	ReasonUpload             ReasonCode = "upload"
	ReasonDispatch           ReasonCode = "dispatch"
	ReasonSessionActive      ReasonCode = "session_active"
)

// Terminal reports whether the reason ends a recording attempt outright
// instead of moving to the next delivery strategy.
func (r ReasonCode) Terminal() bool {
	switch r {
	case ReasonPermissionDenied, ReasonDeviceNotFound, ReasonDeviceBusy:
		return true
	default:
		return false
	}
}

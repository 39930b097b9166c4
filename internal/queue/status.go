package queue

// Internal status codes. Values in [400,600) mirror HTTP response codes;
// values at or above MinArtificialErrorStatus are generated locally.
const (
	StatusPending           = 190
	StatusRunning           = 192
	StatusPausedByApp       = 193
	StatusWaitingToRetry    = 194
	StatusWaitingForNetwork = 195
	StatusQueuedForWifi     = 196
	StatusInsufficientSpace = 198
	StatusDeviceNotFound    = 199

	StatusSuccess  = 200
	StatusCanceled = 490

	MinArtificialErrorStatus = 488

	StatusFileAlreadyExists = 488
	StatusCannotResume      = 489
	StatusFileError         = 492
	StatusUnhandledRedirect = 493
	StatusUnhandledHTTPCode = 494
	StatusHTTPDataError     = 495
	StatusTooManyRedirects  = 497
)

// Control column values. Pausing suspends scheduling regardless of status.
const (
	ControlRun    = 0
	ControlPaused = 1
)

// Allowed-network bit flags. AllowAllNetworkTypes (all bits set) means the
// request placed no restriction.
const (
	NetworkCellular  = 1 << 0
	NetworkWifi      = 1 << 1
	NetworkBluetooth = 1 << 2

	AllowAllNetworkTypes = ^0
)

// Public status flags surfaced by the Manager. These are bit flags so a
// query can filter on any combination.
const (
	PublicStatusPending    = 1 << 0
	PublicStatusRunning    = 1 << 1
	PublicStatusPaused     = 1 << 2
	PublicStatusSuccessful = 1 << 3
	PublicStatusFailed     = 1 << 4
)

// Reason codes for PublicStatusPaused.
const (
	PausedWaitingToRetry    = 1
	PausedWaitingForNetwork = 2
	PausedQueuedForWifi     = 3
	PausedUnknown           = 4
)

// Reason codes for PublicStatusFailed that don't map to an HTTP code.
const (
	ErrorUnknown           = 1000
	ErrorFileError         = 1001
	ErrorUnhandledHTTPCode = 1002
	ErrorHTTPDataError     = 1004
	ErrorTooManyRedirects  = 1005
	ErrorInsufficientSpace = 1006
	ErrorDeviceNotFound    = 1007
	ErrorCannotResume      = 1008
	ErrorFileAlreadyExists = 1009
	ErrorBlocked           = 1010
)

func IsStatusError(status int) bool {
	return status >= 400 && status < 600
}

func IsStatusSuccess(status int) bool {
	return status >= 200 && status < 300
}

// IsStatusCompleted reports whether the download reached a final state,
// either success or a non-retryable error.
func IsStatusCompleted(status int) bool {
	return IsStatusSuccess(status) || IsStatusError(status)
}

// TranslateStatus maps an internal status code to the public status flag.
func TranslateStatus(status int) int {
	switch status {
	case StatusPending:
		return PublicStatusPending
	case StatusRunning:
		return PublicStatusRunning
	case StatusPausedByApp, StatusWaitingToRetry, StatusWaitingForNetwork, StatusQueuedForWifi:
		return PublicStatusPaused
	case StatusSuccess:
		return PublicStatusSuccessful
	default:
		return PublicStatusFailed
	}
}

// StatusReason returns the public reason code for a status: a paused reason
// for paused statuses, an error code for failed ones, and 0 otherwise.
func StatusReason(status int) int {
	switch TranslateStatus(status) {
	case PublicStatusPaused:
		return pausedReason(status)
	case PublicStatusFailed:
		return errorCode(status)
	default:
		return 0
	}
}

func pausedReason(status int) int {
	switch status {
	case StatusWaitingToRetry:
		return PausedWaitingToRetry
	case StatusWaitingForNetwork:
		return PausedWaitingForNetwork
	case StatusQueuedForWifi:
		return PausedQueuedForWifi
	default:
		return PausedUnknown
	}
}

func errorCode(status int) int {
	if (400 <= status && status < MinArtificialErrorStatus) || (500 <= status && status < 600) {
		// raw HTTP status code
		return status
	}
	switch status {
	case StatusFileError:
		return ErrorFileError
	case StatusUnhandledHTTPCode, StatusUnhandledRedirect:
		return ErrorUnhandledHTTPCode
	case StatusHTTPDataError:
		return ErrorHTTPDataError
	case StatusTooManyRedirects:
		return ErrorTooManyRedirects
	case StatusInsufficientSpace:
		return ErrorInsufficientSpace
	case StatusDeviceNotFound:
		return ErrorDeviceNotFound
	case StatusCannotResume:
		return ErrorCannotResume
	case StatusFileAlreadyExists:
		return ErrorFileAlreadyExists
	default:
		return ErrorUnknown
	}
}

package queue

import "testing"

func TestTranslateStatus(t *testing.T) {
	cases := []struct {
		status int
		want   int
	}{
		{StatusPending, PublicStatusPending},
		{StatusRunning, PublicStatusRunning},
		{StatusPausedByApp, PublicStatusPaused},
		{StatusWaitingToRetry, PublicStatusPaused},
		{StatusWaitingForNetwork, PublicStatusPaused},
		{StatusQueuedForWifi, PublicStatusPaused},
		{StatusSuccess, PublicStatusSuccessful},
		{StatusCanceled, PublicStatusFailed},
		{StatusFileError, PublicStatusFailed},
		{StatusInsufficientSpace, PublicStatusFailed},
		{404, PublicStatusFailed},
		{500, PublicStatusFailed},
	}
	for _, c := range cases {
		if got := TranslateStatus(c.status); got != c.want {
			t.Errorf("TranslateStatus(%d) = %d, want %d", c.status, got, c.want)
		}
	}
}

func TestStatusReason(t *testing.T) {
	cases := []struct {
		status int
		want   int
	}{
		{StatusPending, 0},
		{StatusRunning, 0},
		{StatusSuccess, 0},
		{StatusWaitingToRetry, PausedWaitingToRetry},
		{StatusWaitingForNetwork, PausedWaitingForNetwork},
		{StatusQueuedForWifi, PausedQueuedForWifi},
		{StatusPausedByApp, PausedUnknown},
		{StatusFileError, ErrorFileError},
		{StatusUnhandledHTTPCode, ErrorUnhandledHTTPCode},
		{StatusUnhandledRedirect, ErrorUnhandledHTTPCode},
		{StatusHTTPDataError, ErrorHTTPDataError},
		{StatusTooManyRedirects, ErrorTooManyRedirects},
		{StatusInsufficientSpace, ErrorInsufficientSpace},
		{StatusDeviceNotFound, ErrorDeviceNotFound},
		{StatusCannotResume, ErrorCannotResume},
		{StatusFileAlreadyExists, ErrorFileAlreadyExists},
		{StatusCanceled, ErrorUnknown},
		// HTTP codes surface unchanged
		{404, 404},
		{416, 416},
		{500, 500},
		{503, 503},
	}
	for _, c := range cases {
		if got := StatusReason(c.status); got != c.want {
			t.Errorf("StatusReason(%d) = %d, want %d", c.status, got, c.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !IsStatusCompleted(StatusSuccess) || !IsStatusCompleted(StatusFileError) {
		t.Fatal("success and errors are completed")
	}
	for _, status := range []int{StatusPending, StatusRunning, StatusWaitingToRetry, StatusWaitingForNetwork} {
		if IsStatusCompleted(status) {
			t.Fatalf("status %d must not be completed", status)
		}
	}
	if IsStatusError(StatusSuccess) || !IsStatusError(StatusCanceled) || !IsStatusError(404) {
		t.Fatal("error predicate wrong")
	}
}

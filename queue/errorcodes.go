package queue

// ErrorCode is the stable failure code a handler reports. The set is closed;
// handlers must not invent codes outside it.
type ErrorCode string

const (
	CodeLoginRequired     ErrorCode = "LOGIN_REQUIRED"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeEditorLoadFail    ErrorCode = "EDITOR_LOAD_FAIL"
	CodeImageUploadFail   ErrorCode = "IMAGE_UPLOAD_FAIL"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeCafeNotFound      ErrorCode = "CAFE_NOT_FOUND"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeChallengeRequired ErrorCode = "CHALLENGE_REQUIRED"
	CodeAuthExpired       ErrorCode = "AUTH_EXPIRED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// IsRetriable reports whether a failure with this code is worth retrying
// within the job's attempt budget. Everything else fails terminally on the
// first occurrence.
func (c ErrorCode) IsRetriable() bool {
	switch c {
	case CodeNetworkError, CodeImageUploadFail, CodeRateLimited, CodeTimeout:
		return true
	}
	return false
}

// IsSessionFatal reports whether the code indicates the owner's cafe session
// is unusable. The worker pool flips the session status on these so the
// policy gate stops dispatching for that user until re-authentication.
func (c ErrorCode) IsSessionFatal() bool {
	switch c {
	case CodeAuthExpired, CodeChallengeRequired, CodeLoginRequired:
		return true
	}
	return false
}

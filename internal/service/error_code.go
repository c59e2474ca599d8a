package service

type ErrorBadRequest struct {
	errMsg string
}

func (e *ErrorBadRequest) Error() string {
	return e.errMsg
}

// IsBadRequest tells whether the error was caused by the parameters the caller provided.
func IsBadRequest(err error) bool {
	_, ok := err.(*ErrorBadRequest)
	return ok
}

package eventmgr

import (
	"fmt"

	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
)

// SubscriptionError attributes an error to the subscription and listener that produced it. `Code` is one of the sentinel errors in `errorcode`.
type SubscriptionError struct {
	Code           error
	SubscriptionID string
	ListenerID     string
	PeerName       string
	Err            error
}

func (e *SubscriptionError) Error() string {
	msg := fmt.Sprintf("%v subscription=%v", e.Code, e.SubscriptionID)
	if e.ListenerID != "" {
		msg += fmt.Sprintf(" listener=%v", e.ListenerID)
	}
	if e.PeerName != "" {
		msg += fmt.Sprintf(" peer=%v", e.PeerName)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Cause returns the error code so `errors.Cause` from github.com/pkg/errors resolves to the sentinel.
func (e *SubscriptionError) Cause() error {
	return e.Code
}

// Is reports whether `target` is the error code of this error.
func (e *SubscriptionError) Is(target error) bool {
	return target == e.Code
}

// Unwrap returns the underlying error.
func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// isCode tells whether `err` carries the error code, either as a `*SubscriptionError` or as a (wrapped) sentinel.
func isCode(err error, code error) bool {
	return err != nil && errors.Cause(err) == code
}

// IsNoPeerAvailable tells whether the error means no peer could be resolved for a subscription.
func IsNoPeerAvailable(err error) bool {
	return isCode(err, errorcode.ErrorNoPeerAvailable)
}

// IsConnectionFailed tells whether the error means a hub couldn't be connected or a registration failed.
func IsConnectionFailed(err error) bool {
	return isCode(err, errorcode.ErrorConnectionFailed)
}

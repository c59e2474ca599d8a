package controller

import (
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
)

// GeneralResponse is the body of an error response produced by an endpoint handler.
type GeneralResponse struct {
	code string
	msg  string
}

// NewFromError fills a GeneralResponse with the error message and, if the error carries one of the codes in `errorcode`, that code.
func (gr *GeneralResponse) NewFromError(err error) {
	gr.msg = err.Error()

	switch cause := errors.Cause(err); cause {
	case errorcode.ErrorNoPeerAvailable, errorcode.ErrorConnectionFailed, errorcode.ErrorUnexpectedTransport,
		errorcode.ErrorRangedHubInUse, errorcode.ErrorHubClosed, errorcode.ErrorInvalidPattern, errorcode.ErrorNotFound:
		gr.code = cause.Error()
	}
}

// ToMap converts this struct to a map.
func (gr *GeneralResponse) ToMap() map[string]interface{} {
	ret := map[string]interface{}{
		"msg": gr.msg,
	}
	if gr.code != "" {
		ret["code"] = gr.code
	}

	return ret
}

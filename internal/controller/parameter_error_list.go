package controller

import (
	"strings"
)

// ParameterErrorList contains a list of human-readable errors about parameters.
type ParameterErrorList []string

// AppendIfEmptyOrBlankSpaces appends the error message specified if `str` is empty or contains only blank spaces.
//
// Parameters:
//   the string to be checked
//   the error message to append
//
// Returns:
//   the trimmed string
func (pel *ParameterErrorList) AppendIfEmptyOrBlankSpaces(str string, errMsg string) string {
	if str = strings.TrimSpace(str); str == "" {
		*pel = append(*pel, errMsg)
	}

	return str
}

// AppendIfNotJSONObject appends the error message specified if binding the request body as a JSON object failed.
func (pel *ParameterErrorList) AppendIfNotJSONObject(bindErr error, errMsg string) {
	if bindErr != nil {
		*pel = append(*pel, errMsg)
	}
}

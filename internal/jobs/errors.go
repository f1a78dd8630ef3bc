package jobs

import (
	"errors"
	"fmt"
)

// ErrJobNotFound はジョブが存在しない場合に返されます。
var ErrJobNotFound = errors.New("job not found")

const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeJobNotFound   = "JOB_NOT_FOUND"
	CodeUserNotFound  = "USER_NOT_FOUND"
	CodeEnqueueFailed = "ENQUEUE_FAILED"
	CodeRenderFailed  = "RENDER_FAILED"
	CodeMergeFailed   = "MERGE_FAILED"
)

// Error はジョブ操作のエラーをコード付きで表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

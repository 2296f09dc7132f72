package apperrors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure for callers that branch on failure class rather
// than on message content.
type Kind string

const (
	// KindTransport 非2xx响应或网络层失败
	KindTransport Kind = "transport"
	// KindProtocol HTTP成功但业务code非0
	KindProtocol Kind = "protocol"
	// KindPrecondition 会话前置条件不满足（无可用跑步类型/路线/设置字段缺失）
	KindPrecondition Kind = "precondition"
	// KindVerificationRejected 上传后的记录状态检查被服务端拒绝
	KindVerificationRejected Kind = "verification_rejected"
	// KindChallenge 人脸挑战无法获取或上传图片
	KindChallenge Kind = "challenge"
)

// Error is the single error value surfaced by the session layer: kind plus the
// server message and optional numeric business code. This layer never retries.
type Error struct {
	Kind    Kind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=%d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error without a numeric code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewWithCode creates an Error carrying the server's business code.
func NewWithCode(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

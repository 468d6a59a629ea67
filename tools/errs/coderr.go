package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error codes used across the messaging core. Codes are wire-visible:
// reject frames carry them, so renumbering is a protocol change.
const (
	CodeBadFrame            = 1001 // malformed or unknown inbound frame
	CodeNotAttached         = 1002 // operation on a conversation the session never attached
	CodeNotAParticipant     = 1100
	CodeStoreUnavailable    = 1200
	CodeSessionBackpressure = 1300
	CodeDuplicateDevice     = 1400
)

var (
	ErrBadFrame            = NewCodeError(CodeBadFrame, "bad frame")
	ErrNotAttached         = NewCodeError(CodeNotAttached, "conversation not attached")
	ErrNotAParticipant     = NewCodeError(CodeNotAParticipant, "not a participant of conversation")
	ErrStoreUnavailable    = NewCodeError(CodeStoreUnavailable, "message store unavailable")
	ErrSessionBackpressure = NewCodeError(CodeSessionBackpressure, "session outbound queue full")
	ErrDuplicateDevice     = NewCodeError(CodeDuplicateDevice, "superseded by newer device connection")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the original stays clean
// so sentinel comparisons keep working.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches by code so WithDetail copies compare equal to their sentinel.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// CodeOf extracts the wire code from any error in the chain; 0 if none.
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func WrapMsg(err error, msg string) error {
	return pkgerr.Wrap(err, msg)
}

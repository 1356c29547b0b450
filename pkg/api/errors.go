package api

import (
	"errors"
	"fmt"
)

// ErrType classifies engine errors into the fixed taxonomy surfaced to HTTP
// callers as the errType field of an error response.
type ErrType string

const (
	ErrTplNotFound      ErrType = "TPL_NOT_FOUND"
	ErrWorkflowNotFound ErrType = "WORKFLOW_NOT_FOUND"
	ErrTodoNotFound     ErrType = "TODO_NOT_FOUND"
	ErrDocParse         ErrType = "DOC_PARSE_ERROR"
	ErrNoPerm           ErrType = "NO_PERM"
	ErrNotReturnable    ErrType = "NOT_RETURNABLE"
	ErrNotRevocable     ErrType = "NOT_REVOCABLE"
	ErrNotTransferable  ErrType = "NOT_TRANSFERABLE"
	ErrCbPointNotFound  ErrType = "CBP_NOT_FOUND"
	ErrEngineBusy       ErrType = "ENGINE_BUSY"
	ErrLoopDetected     ErrType = "WORKFLOW_LOOP_DETECTED"
	ErrQuotaExceeded    ErrType = "QUOTA_EXCEEDED"
	ErrBadStatus        ErrType = "BAD_STATUS"
	ErrStaleTemplate    ErrType = "STALE_TEMPLATE"
)

// Error is the uniform engine error. It carries the taxonomy type plus enough
// correlation context (wfid, nodeid, todoid) for the caller to retry or
// report.
type Error struct {
	Type   ErrType
	Msg    string
	WFID   string
	NodeID string
	TodoID string
}

func (e *Error) Error() string {
	if e.WFID != "" {
		return fmt.Sprintf("%s: %s (wfid=%s)", e.Type, e.Msg, e.WFID)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

// NewError creates an Error with the given type and message.
func NewError(t ErrType, format string, args ...any) *Error {
	return &Error{Type: t, Msg: fmt.Sprintf(format, args...)}
}

// WithWFID returns a copy of e annotated with the workflow id.
func (e *Error) WithWFID(wfid string) *Error {
	c := *e
	c.WFID = wfid
	return &c
}

// WithNode returns a copy of e annotated with the node id.
func (e *Error) WithNode(nodeid string) *Error {
	c := *e
	c.NodeID = nodeid
	return &c
}

// WithTodo returns a copy of e annotated with the todo id.
func (e *Error) WithTodo(todoid string) *Error {
	c := *e
	c.TodoID = todoid
	return &c
}

// IsErrType reports whether err (or anything it wraps) is an engine Error of
// the given type.
func IsErrType(err error, t ErrType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf returns the taxonomy type of err, or "" if err is not an engine
// Error.
func TypeOf(err error) ErrType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

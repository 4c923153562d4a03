package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"

	"transfer-hub/internal/transport"
)

// Kind classifies a terminal task error.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindNetwork    Kind = "NETWORK_ERROR"
	KindCancelled  Kind = "CANCELLED"
	KindTimeout    Kind = "TIMEOUT"
	KindFileSystem Kind = "FILESYSTEM_ERROR"
)

// CodeExpired is the NetworkError code reported for transfers that outlived
// the process that started them.
const CodeExpired = -1001

// codeUnknown marks network failures the transport gave no code for.
const codeUnknown = -1

var (
	ErrDuplicateTask = errors.New("task: duplicate task id")
	ErrTaskNotFound  = errors.New("task: task not found")
	ErrClosed        = errors.New("task: manager closed")

	// Kind sentinels for errors.Is.
	ErrValidation = &Error{Kind: KindValidation}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrCancelled  = &Error{Kind: KindCancelled}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrFileSystem = &Error{Kind: KindFileSystem}
)

// Error is the error delivered to a task callback.
type Error struct {
	Kind        Kind
	TaskID      string
	Code        int
	Description string
	// Resumable is set when resume data was captured for the task.
	Resumable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.TaskID != "" {
		msg += " task=" + e.TaskID
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels: errors.Is(err, ErrCancelled).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.TaskID == "" && t.Code == 0 && t.Description == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a task error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func validationError(taskID, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, TaskID: taskID, Description: fmt.Sprintf(format, args...)}
}

func fileSystemError(taskID string, err error) *Error {
	return &Error{Kind: KindFileSystem, TaskID: taskID, Description: "destination unavailable", Err: err}
}

func cancellationError(taskID string) *Error {
	return &Error{Kind: KindCancelled, TaskID: taskID, Description: "task cancelled"}
}

// classify maps a transport failure onto the task error taxonomy.
func classify(taskID string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		if te.TaskID == "" {
			cp := *te
			cp.TaskID = taskID
			return &cp
		}
		return te
	}
	if errors.Is(err, transport.ErrCancelled) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, TaskID: taskID, Description: "transfer cancelled", Err: err}
	}
	var netErr net.Error
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, TaskID: taskID, Description: "request timed out", Err: err}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fileSystemError(taskID, err)
	}
	var trErr *transport.Error
	if errors.As(err, &trErr) {
		return &Error{
			Kind:        KindNetwork,
			TaskID:      taskID,
			Code:        trErr.Code,
			Description: trErr.Description,
			Resumable:   trErr.Resumable,
			Err:         err,
		}
	}
	return &Error{Kind: KindNetwork, TaskID: taskID, Code: codeUnknown, Description: "transfer failed", Err: err}
}

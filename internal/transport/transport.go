// Package transport defines the capability the task core needs from a shared
// transfer session: create a transfer, start it, cancel it, enumerate the
// transfers it still holds, and report what happens to them.
//
// Every event carries the opaque Handle the transport assigned, never the
// caller's task id. Implementations must deliver the events of one handle
// sequentially and in order, and must end every resumed handle with exactly
// one Complete call, including after Cancel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Handle identifies one transfer inside a transport.
type Handle string

// Request describes one transfer to open.
type Request struct {
	Method        string
	URL           string
	Header        http.Header
	Upload        bool
	BodyPath      string
	Body          []byte
	ContentLength int64

	// DestPath is the file a download is written to. The task core moves it
	// to the final destination once the transfer completes.
	DestPath string

	Timeout    time.Duration
	ResumeData []byte
}

// Response is the response metadata of a transfer.
type Response struct {
	StatusCode int
	Header     http.Header
	Expected   int64
	Redirects  []string
}

// Progress reports cumulative bytes moved in one direction.
type Progress struct {
	Upload   bool
	Bytes    int64
	Expected int64
}

// Completion is the terminal report of a handle. Err is nil on success.
// ResumeData, when set, lets a later transfer pick up where this one stopped.
type Completion struct {
	Err        error
	Response   *Response
	Bytes      int64
	ResumeData []byte
}

// Sink receives transport events.
type Sink interface {
	OnResponse(h Handle, resp Response)
	OnProgress(h Handle, p Progress)
	OnResumeData(h Handle, data []byte)
	OnComplete(h Handle, c Completion)
}

// Transport is a shared transfer session.
type Transport interface {
	// Attach sets the sink for every handle of the session. It is called once,
	// before the first Create.
	Attach(sink Sink)

	// Create allocates a handle without moving any bytes.
	Create(ctx context.Context, req Request) (Handle, error)

	// Resume starts a created handle.
	Resume(h Handle) error

	// Cancel stops a handle, producing resume data when possible. The handle
	// still reports its Complete event.
	Cancel(h Handle) error

	// Handles lists the handles the session still holds, including ones that
	// outlived a previous process.
	Handles(ctx context.Context) ([]Handle, error)

	Close() error
}

var (
	ErrCancelled     = errors.New("transport: transfer cancelled")
	ErrTimeout       = errors.New("transport: transfer timed out")
	ErrUnknownHandle = errors.New("transport: unknown handle")
	ErrClosed        = errors.New("transport: session closed")
)

// Error is a transport-level failure with a numeric code.
type Error struct {
	Code        int
	Description string
	Resumable   bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error %d: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

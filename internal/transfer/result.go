package transfer

import (
	"fmt"
	"time"
)

// Result is the terminal outcome of a transfer. It is one of Success,
// Failure or Cancelled; exactly one is produced per transfer.
type Result interface {
	Status() Status
	isResult()
}

// Success describes a completed transfer.
type Success struct {
	LocalPath      string
	RemoteURL      string
	FileSize       int64
	Duration       time.Duration
	Speed          float64 // average bytes/sec
	ServerResponse string
}

// Failure describes a transfer that ended with an error.
type Failure struct {
	Message          string
	Code             ErrorCode
	Err              error
	Recoverable      bool
	HTTPStatus       int
	BytesTransferred int64
}

// Cancelled describes a transfer stopped on request.
type Cancelled struct {
	Reason           string
	BytesTransferred int64
}

func (Success) Status() Status   { return StatusCompleted }
func (Failure) Status() Status   { return StatusFailed }
func (Cancelled) Status() Status { return StatusCancelled }

func (Success) isResult()   {}
func (Failure) isResult()   {}
func (Cancelled) isResult() {}

// Error makes a Failure usable as an error value.
func (f Failure) Error() string {
	if f.Code == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f Failure) Unwrap() error { return f.Err }

// successFromProgress builds the Success for a terminal completed event.
func successFromProgress(p Progress, startedAt time.Time) Success {
	s := Success{
		LocalPath: p.LocalPath,
		RemoteURL: p.RemoteURL,
		FileSize:  p.TotalBytes,
	}
	if s.FileSize < 0 {
		s.FileSize = p.BytesTransferred
	}
	if !startedAt.IsZero() {
		s.Duration = time.Since(startedAt)
		if secs := s.Duration.Seconds(); secs > 0 {
			s.Speed = float64(s.FileSize) / secs
		}
	}
	if v, ok := p.Metadata["server_response"].(string); ok {
		s.ServerResponse = v
	}
	return s
}

// failureFromProgress builds the Failure for a terminal failed event.
func failureFromProgress(p Progress) Failure {
	code := p.ErrorCode
	if code == "" {
		code = CodeUnknown
	}
	msg := p.ErrorMessage
	if msg == "" {
		msg = "transfer failed"
	}
	return Failure{
		Message:          msg,
		Code:             code,
		Recoverable:      p.Recoverable,
		HTTPStatus:       p.HTTPStatus,
		BytesTransferred: p.BytesTransferred,
	}
}

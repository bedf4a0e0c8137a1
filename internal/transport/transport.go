package transport

import (
	"context"
	"errors"
	"net"
	"net/textproto"

	"github.com/example/bulk-mailer/internal/models"
)

// Dialer opens an authenticated session for the supplied credentials.
type Dialer interface {
	Dial(ctx context.Context, creds models.Credentials) (Session, error)
}

// Session delivers messages over one established connection. A Session is
// not safe for concurrent use.
type Session interface {
	Send(ctx context.Context, msg *models.OutboundMessage) error
	Close() error
}

// ErrTransient and ErrPermanent classify delivery failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// ErrSessionClosed is returned when a closed session is used.
var ErrSessionClosed = errors.New("transport: session closed")

// Session setup stages reported by StageError.
const (
	StageConnect  = "connect"
	StageStartTLS = "starttls"
	StageAuth     = "auth"
)

// StageError records which setup step a Dial failed at. The message is the
// wrapped error's message.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// DialStage returns the setup stage recorded on err, or StageConnect when
// none was recorded.
func DialStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Stage != "" {
		return stageErr.Stage
	}
	return StageConnect
}

type classifiedError struct {
	err  error
	kind error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.err, e.kind} }

// WrapTransient marks err as transient without changing its message.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return &classifiedError{err: err, kind: ErrTransient}
}

// WrapPermanent marks err as permanent without changing its message.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return &classifiedError{err: err, kind: ErrPermanent}
}

// IsTransient reports whether err is worth retrying within the same batch.
// Explicitly classified errors win; otherwise SMTP 4xx replies and timeouts
// are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return WrapPermanent(err)
	}
	if IsTransient(err) {
		return WrapTransient(err)
	}
	return err
}

package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/dispatch"
	"github.com/example/bulk-mailer/internal/models"
	"github.com/example/bulk-mailer/internal/report"
	"github.com/example/bulk-mailer/internal/transport"
)

type dialerStub struct {
	mu       sync.Mutex
	dialErr  error
	sendErrs map[string]error
	closeErr error
	dials    int
	sends    []string
	closes   int
	msgs     []*models.OutboundMessage
}

func (d *dialerStub) Dial(ctx context.Context, creds models.Credentials) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &sessionStub{dialer: d}, nil
}

type sessionStub struct {
	dialer *dialerStub
}

func (s *sessionStub) Send(ctx context.Context, msg *models.OutboundMessage) error {
	d := s.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, msg.To)
	d.msgs = append(d.msgs, msg)
	return d.sendErrs[msg.To]
}

func (s *sessionStub) Close() error {
	d := s.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return d.closeErr
}

func validRequest(recipients ...string) models.BatchRequest {
	return models.BatchRequest{
		Credentials: models.Credentials{
			SenderAddress: "sender@x.com",
			SenderSecret:  "secret",
			ServerHost:    "smtp.x.com",
			ServerPort:    587,
		},
		Template:   models.MessageTemplate{Subject: "Hi", Body: "Hello"},
		Recipients: recipients,
	}
}

func newDispatcher(t *testing.T, cfg dispatch.Config, dialer transport.Dialer) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.NewDispatcher(cfg, dispatch.Dependencies{Dialer: dialer, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func assertInvariant(t *testing.T, res *models.BatchResult, recipients int) {
	t.Helper()
	if res.Attempted != recipients {
		t.Fatalf("attempted = %d, want %d", res.Attempted, recipients)
	}
	if res.Succeeded+len(res.Failures) != res.Attempted {
		t.Fatalf("succeeded(%d) + failures(%d) != attempted(%d)", res.Succeeded, len(res.Failures), res.Attempted)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  dispatch.Config
		deps dispatch.Dependencies
	}{
		{name: "missing dialer", cfg: dispatch.Config{}},
		{name: "negative concurrency", cfg: dispatch.Config{Concurrency: -1}, deps: dispatch.Dependencies{Dialer: &dialerStub{}}},
		{name: "negative attempts", cfg: dispatch.Config{MaxAttempts: -1}, deps: dispatch.Dependencies{Dialer: &dialerStub{}}},
		{name: "negative timeout", cfg: dispatch.Config{SendTimeout: -time.Second}, deps: dispatch.Dependencies{Dialer: &dialerStub{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := dispatch.NewDispatcher(tc.cfg, tc.deps); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestRunFailsFastOnInvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.BatchRequest)
	}{
		{name: "empty recipients", mutate: func(r *models.BatchRequest) { r.Recipients = nil }},
		{name: "zero port", mutate: func(r *models.BatchRequest) { r.Credentials.ServerPort = 0 }},
		{name: "negative port", mutate: func(r *models.BatchRequest) { r.Credentials.ServerPort = -25 }},
		{name: "port out of range", mutate: func(r *models.BatchRequest) { r.Credentials.ServerPort = 70000 }},
		{name: "missing sender", mutate: func(r *models.BatchRequest) { r.Credentials.SenderAddress = " " }},
		{name: "missing secret", mutate: func(r *models.BatchRequest) { r.Credentials.SenderSecret = "" }},
		{name: "missing host", mutate: func(r *models.BatchRequest) { r.Credentials.ServerHost = "" }},
		{name: "missing subject", mutate: func(r *models.BatchRequest) { r.Template.Subject = "" }},
		{name: "missing body", mutate: func(r *models.BatchRequest) { r.Template.Body = "" }},
		{name: "blank recipient", mutate: func(r *models.BatchRequest) { r.Recipients = models.RecipientList{"a@x.com", " "} }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			dialer := &dialerStub{}
			d := newDispatcher(t, dispatch.Config{}, dialer)

			req := validRequest("a@x.com")
			tc.mutate(&req)

			res, err := d.Run(context.Background(), req)
			if res != nil {
				t.Fatalf("expected no result, got %+v", res)
			}

			var valErr *dispatch.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !errors.Is(err, dispatch.ErrValidation) || !errors.Is(err, dispatch.ErrSession) {
				t.Fatalf("expected validation error to match both sentinels: %v", err)
			}
			var sessErr *dispatch.SessionError
			if !errors.As(err, &sessErr) || sessErr.Stage != "validate" {
				t.Fatalf("expected validation error to be usable as SessionError, got %#v", sessErr)
			}
			if dialer.dials != 0 {
				t.Fatalf("expected no dial attempts, got %d", dialer.dials)
			}
		})
	}
}

func TestRunAcceptsAnyNonEmptySender(t *testing.T) {
	for _, sender := range []string{"apikey", "Sender <sender@x.com>", "sender@x.com"} {
		sender := sender
		t.Run(sender, func(t *testing.T) {
			dialer := &dialerStub{}
			d := newDispatcher(t, dispatch.Config{}, dialer)

			req := validRequest("a@x.com")
			req.Credentials.SenderAddress = sender
			req.Template.Subject = "Hi\r\nthere"

			res, err := d.Run(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Succeeded != 1 || dialer.dials != 1 {
				t.Fatalf("expected one dial and one delivery, got %+v after %d dials", res, dialer.dials)
			}
			if got := dialer.msgs[0].From; got != sender {
				t.Fatalf("From = %q, want %q", got, sender)
			}
		})
	}
}

func TestRunReportsDialStage(t *testing.T) {
	starttlsErr := &transport.StageError{Stage: transport.StageStartTLS, Err: transport.ErrStartTLSUnsupported}
	d := newDispatcher(t, dispatch.Config{}, &dialerStub{dialErr: starttlsErr})

	_, err := d.Run(context.Background(), validRequest("a@x.com"))

	var sessErr *dispatch.SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected SessionError, got %v", err)
	}
	if sessErr.Stage != transport.StageStartTLS {
		t.Fatalf("stage = %q, want %q", sessErr.Stage, transport.StageStartTLS)
	}
	if !errors.Is(err, transport.ErrStartTLSUnsupported) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
}

func TestParsePort(t *testing.T) {
	if port, err := dispatch.ParsePort(" 587 "); err != nil || port != 587 {
		t.Fatalf("ParsePort(587) = %d, %v", port, err)
	}

	for _, raw := range []string{"", "smtp", "0", "-1", "65536", "58 7"} {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			_, err := dispatch.ParsePort(raw)
			if !errors.Is(err, dispatch.ErrValidation) {
				t.Fatalf("expected ValidationError for %q, got %v", raw, err)
			}
		})
	}
}

func TestRunAbortsWhenAuthenticationIsRejected(t *testing.T) {
	authErr := errors.New("535 authentication credentials invalid")
	dialer := &dialerStub{dialErr: authErr}
	d := newDispatcher(t, dispatch.Config{}, dialer)

	res, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com"))
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}

	var sessErr *dispatch.SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected SessionError, got %v", err)
	}
	if !errors.Is(err, authErr) || !errors.Is(err, dispatch.ErrSession) {
		t.Fatalf("expected session error to wrap cause, got %v", err)
	}
	if errors.Is(err, dispatch.ErrValidation) {
		t.Fatalf("session error must not match ErrValidation")
	}
	if sessErr.Stage != transport.StageConnect {
		t.Fatalf("expected an unstaged dial error to report %q, got %q", transport.StageConnect, sessErr.Stage)
	}
	if len(dialer.sends) != 0 {
		t.Fatalf("expected zero sends, got %d", len(dialer.sends))
	}
}

func TestRunIsolatesPerRecipientFailures(t *testing.T) {
	dialer := &dialerStub{sendErrs: map[string]error{
		"r2@x.com": errors.New("connection reset by peer"),
	}}
	d := newDispatcher(t, dispatch.Config{}, dialer)

	res, err := d.Run(context.Background(), validRequest("r1@x.com", "r2@x.com", "r3@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertInvariant(t, res, 3)
	if res.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", res.Succeeded)
	}
	want := []models.DeliveryFailure{{Address: "r2@x.com", Reason: "connection reset by peer"}}
	if !reflect.DeepEqual(res.Failures, want) {
		t.Fatalf("failures = %+v, want %+v", res.Failures, want)
	}
	if !reflect.DeepEqual(dialer.sends, []string{"r1@x.com", "r2@x.com", "r3@x.com"}) {
		t.Fatalf("expected three ordered sends, got %v", dialer.sends)
	}
	if dialer.dials != 1 || dialer.closes != 1 {
		t.Fatalf("expected one session opened and closed, got dials=%d closes=%d", dialer.dials, dialer.closes)
	}
}

func TestRunBuildsFreshMessagePerRecipient(t *testing.T) {
	dialer := &dialerStub{}
	d := newDispatcher(t, dispatch.Config{}, dialer)

	if _, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(dialer.msgs) != 2 {
		t.Fatalf("expected two messages, got %d", len(dialer.msgs))
	}
	if dialer.msgs[0] == dialer.msgs[1] {
		t.Fatalf("expected distinct message instances per recipient")
	}
	if dialer.msgs[0].To != "a@x.com" || dialer.msgs[1].To != "b@x.com" {
		t.Fatalf("unexpected recipients %q, %q", dialer.msgs[0].To, dialer.msgs[1].To)
	}
	if dialer.msgs[0].From != "sender@x.com" || dialer.msgs[0].Subject != "Hi" || dialer.msgs[0].Body != "Hello" {
		t.Fatalf("unexpected message %+v", dialer.msgs[0])
	}
}

func TestRunIgnoresCloseFailure(t *testing.T) {
	dialer := &dialerStub{closeErr: errors.New("quit: broken pipe")}
	d := newDispatcher(t, dispatch.Config{}, dialer)

	res, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("close failure must not fail the batch: %v", err)
	}
	assertInvariant(t, res, 2)
	if res.Succeeded != 2 || len(res.Failures) != 0 {
		t.Fatalf("close failure changed outcomes: %+v", res)
	}
}

func TestRunPreservesDuplicateRecipients(t *testing.T) {
	dialer := &dialerStub{}
	d := newDispatcher(t, dispatch.Config{}, dialer)

	res, err := d.Run(context.Background(), validRequest("dup@x.com", "dup@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariant(t, res, 2)
	if len(dialer.sends) != 2 {
		t.Fatalf("expected duplicate recipient to be sent twice, got %d", len(dialer.sends))
	}
}

func TestRunEndToEndWithMockTransport(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop(), transport.WithRejection("b@x.com", "mailbox unavailable"))
	d := newDispatcher(t, dispatch.Config{}, mock)

	res, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &models.BatchResult{
		Attempted: 2,
		Succeeded: 1,
		Failures:  []models.DeliveryFailure{{Address: "b@x.com", Reason: "mailbox unavailable"}},
	}
	if !reflect.DeepEqual(res, want) {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if got := report.Classify(*res); got != report.PartialSuccess {
		t.Fatalf("classification = %s, want %s", got, report.PartialSuccess)
	}
	if mock.Attempts() != 2 || mock.Closes() != 1 {
		t.Fatalf("unexpected mock usage: attempts=%d closes=%d", mock.Attempts(), mock.Closes())
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop(),
		transport.WithScenario("flaky@x.com", transport.ScenarioTransient, 2),
		transport.WithScenario("bounce@x.com", transport.ScenarioPermanent, 0),
	)
	d := newDispatcher(t, dispatch.Config{MaxAttempts: 3}, mock)

	res, err := d.Run(context.Background(), validRequest("flaky@x.com", "bounce@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariant(t, res, 2)
	if res.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", res.Succeeded)
	}
	if len(res.Failures) != 1 || res.Failures[0].Address != "bounce@x.com" {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
	// Two transient failures plus the successful retry, and one permanent
	// failure that is not retried.
	if got := mock.Attempts(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestRunStopsRetryingAtMaxAttempts(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop(),
		transport.WithScenario("flaky@x.com", transport.ScenarioTransient, 0),
	)
	d := newDispatcher(t, dispatch.Config{MaxAttempts: 2}, mock)

	res, err := d.Run(context.Background(), validRequest("flaky@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.DeliveryFailure{{Address: "flaky@x.com", Reason: "451 requested action aborted, try again later"}}
	if !reflect.DeepEqual(res.Failures, want) {
		t.Fatalf("failures = %+v, want %+v", res.Failures, want)
	}
	if got := mock.Attempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestRunConcurrentKeepsRecipientOrder(t *testing.T) {
	recipients := make([]string, 0, 20)
	opts := []transport.MockOption{transport.WithLatencyRange(0, 2*time.Millisecond)}
	for i := 0; i < 20; i++ {
		addr := fmt.Sprintf("user%02d@x.com", i)
		recipients = append(recipients, addr)
		if i%3 == 0 {
			opts = append(opts, transport.WithRejection(addr, "rejected "+addr))
		}
	}
	mock := transport.NewMockDialer(zerolog.Nop(), opts...)
	d := newDispatcher(t, dispatch.Config{Concurrency: 4}, mock)

	res, err := d.Run(context.Background(), validRequest(recipients...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariant(t, res, 20)

	var want []models.DeliveryFailure
	for i, addr := range recipients {
		if i%3 == 0 {
			want = append(want, models.DeliveryFailure{Address: addr, Reason: "rejected " + addr})
		}
	}
	if !reflect.DeepEqual(res.Failures, want) {
		t.Fatalf("failures not in recipient order:\n got %+v\nwant %+v", res.Failures, want)
	}
	if mock.Dials() != 4 || mock.Closes() != 4 {
		t.Fatalf("expected four sessions, got dials=%d closes=%d", mock.Dials(), mock.Closes())
	}
}

func TestRunConcurrencyCappedByRecipients(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop())
	d := newDispatcher(t, dispatch.Config{Concurrency: 8}, mock)

	if _, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", mock.Dials())
	}
}

func TestRunConcurrentAuthFailureAbortsPool(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop(), transport.WithAuthError(errors.New("535 bad credentials")))
	d := newDispatcher(t, dispatch.Config{Concurrency: 3}, mock)

	_, err := d.Run(context.Background(), validRequest("a@x.com", "b@x.com", "c@x.com"))
	if !errors.Is(err, dispatch.ErrSession) {
		t.Fatalf("expected session error, got %v", err)
	}
	var sessErr *dispatch.SessionError
	if !errors.As(err, &sessErr) || sessErr.Stage != transport.StageAuth {
		t.Fatalf("expected auth stage, got %#v", sessErr)
	}
	if mock.Attempts() != 0 {
		t.Fatalf("expected no sends, got %d", mock.Attempts())
	}
}

func TestRunCancelledContextRecordsRemainingAsFailures(t *testing.T) {
	mock := transport.NewMockDialer(zerolog.Nop(), transport.WithLatencyRange(20*time.Millisecond, 20*time.Millisecond))
	d := newDispatcher(t, dispatch.Config{}, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := d.Run(ctx, validRequest("a@x.com", "b@x.com", "c@x.com", "d@x.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariant(t, res, 4)
	if len(res.Failures) == 0 {
		t.Fatalf("expected cancelled recipients to be reported as failures")
	}
	last := res.Failures[len(res.Failures)-1]
	if last.Address != "d@x.com" {
		t.Fatalf("expected last recipient to be reported, got %+v", last)
	}
}

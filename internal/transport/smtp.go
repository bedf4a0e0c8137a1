package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/message"
	"github.com/example/bulk-mailer/internal/models"
)

const (
	defaultDialTimeout = 30 * time.Second
	quitTimeout        = 10 * time.Second
)

// ErrStartTLSUnsupported is returned when TLS is required but the server does
// not offer STARTTLS.
var ErrStartTLSUnsupported = errors.New("server does not support STARTTLS")

// ErrAuthUnsupported is returned when the server does not advertise AUTH.
var ErrAuthUnsupported = errors.New("server does not support AUTH")

// NetDialer abstracts net.Dialer to simplify testing.
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AuthFunc builds the SMTP auth strategy for a set of credentials.
type AuthFunc func(creds models.Credentials) smtp.Auth

// SMTPOption configures the behaviour of the SMTP dialer.
type SMTPOption func(*SMTPDialer)

// WithTLSConfig overrides the TLS configuration used for STARTTLS. A nil
// config disables the upgrade, which is only useful against local relays.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(d *SMTPDialer) {
		d.tlsConfig = cfg
	}
}

// WithRequireTLS controls whether a server without STARTTLS is rejected.
func WithRequireTLS(require bool) SMTPOption {
	return func(d *SMTPDialer) {
		d.requireTLS = require
	}
}

// WithNetDialer swaps the network dialer used to establish connections.
func WithNetDialer(nd NetDialer) SMTPOption {
	return func(d *SMTPDialer) {
		if nd != nil {
			d.netDialer = nd
		}
	}
}

// WithAuth replaces the default PLAIN auth strategy.
func WithAuth(fn AuthFunc) SMTPOption {
	return func(d *SMTPDialer) {
		if fn != nil {
			d.auth = fn
		}
	}
}

// WithHelloName customises the EHLO identity presented to the server.
func WithHelloName(name string) SMTPOption {
	return func(d *SMTPDialer) {
		if strings.TrimSpace(name) != "" {
			d.helloName = strings.TrimSpace(name)
		}
	}
}

// WithClock replaces the clock used for Date headers.
func WithClock(now func() time.Time) SMTPOption {
	return func(d *SMTPDialer) {
		if now != nil {
			d.now = now
		}
	}
}

// SMTPDialer opens SMTP sessions: connect, EHLO, STARTTLS, AUTH.
type SMTPDialer struct {
	logger     zerolog.Logger
	netDialer  NetDialer
	tlsConfig  *tls.Config
	requireTLS bool
	auth       AuthFunc
	helloName  string
	now        func() time.Time
}

// NewSMTPDialer constructs a Dialer backed by net/smtp.
func NewSMTPDialer(logger zerolog.Logger, opts ...SMTPOption) *SMTPDialer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &SMTPDialer{
		logger:     logger,
		netDialer:  &net.Dialer{Timeout: defaultDialTimeout},
		tlsConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		requireTLS: true,
		auth:       plainAuth,
		helloName:  "localhost",
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// Dial connects to creds.ServerHost:creds.ServerPort, upgrades the channel
// and authenticates. On any failure the connection is closed before
// returning and the error is a *StageError naming the failed step.
func (d *SMTPDialer) Dial(ctx context.Context, creds models.Credentials) (Session, error) {
	conn, client, err := d.connect(ctx, creds)
	if err != nil {
		return nil, err
	}

	return &smtpSession{
		logger: d.logger,
		conn:   conn,
		client: client,
		now:    d.now,
		redial: func(ctx context.Context) (net.Conn, *smtp.Client, error) {
			return d.connect(ctx, creds)
		},
	}, nil
}

func (d *SMTPDialer) connect(ctx context.Context, creds models.Credentials) (net.Conn, *smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &StageError{Stage: StageConnect, Err: err}
	}

	addr := net.JoinHostPort(creds.ServerHost, strconv.Itoa(creds.ServerPort))
	conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &StageError{Stage: StageConnect, Err: fmt.Errorf("smtp: dial %s: %w", addr, err)}
	}

	release := bindDeadline(ctx, conn)
	defer release()

	client, err := smtp.NewClient(conn, creds.ServerHost)
	if err != nil {
		_ = conn.Close()
		return nil, nil, &StageError{Stage: StageConnect, Err: fmt.Errorf("smtp: greeting: %w", err)}
	}

	fail := func(stage, step string, err error) (net.Conn, *smtp.Client, error) {
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, nil, &StageError{Stage: stage, Err: fmt.Errorf("smtp: %s: %w", step, err)}
	}

	if err := client.Hello(d.helloName); err != nil {
		return fail(StageConnect, "hello", err)
	}

	if cfg := d.sessionTLSConfig(creds.ServerHost); cfg != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(cfg); err != nil {
				return fail(StageStartTLS, "starttls", err)
			}
		} else if d.requireTLS {
			return fail(StageStartTLS, "starttls", ErrStartTLSUnsupported)
		}
	}

	if ok, _ := client.Extension("AUTH"); !ok {
		return fail(StageAuth, "auth", ErrAuthUnsupported)
	}
	if err := client.Auth(d.auth(creds)); err != nil {
		return fail(StageAuth, "auth", err)
	}

	d.logger.Debug().
		Str("server", addr).
		Str("sender", creds.SenderAddress).
		Msg("smtp session authenticated")

	return conn, client, nil
}

// bindDeadline applies ctx's deadline and cancellation to conn. The returned
// func waits for a pending cancellation callback before clearing the
// deadline, so no stale deadline survives it.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = conn.SetDeadline(time.Time{})
	}
}

func (d *SMTPDialer) sessionTLSConfig(host string) *tls.Config {
	if d.tlsConfig == nil {
		return nil
	}
	cfg := d.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func plainAuth(creds models.Credentials) smtp.Auth {
	return smtp.PlainAuth("", creds.SenderAddress, creds.SenderSecret, creds.ServerHost)
}

type smtpSession struct {
	logger zerolog.Logger
	conn   net.Conn
	client *smtp.Client
	now    func() time.Time
	redial func(ctx context.Context) (net.Conn, *smtp.Client, error)

	mu     sync.Mutex
	closed bool
	broken bool
}

// Send runs one MAIL/RCPT/DATA transaction. A transaction refused by the
// server is reset so the session stays usable. After an I/O failure or
// timeout the connection state is unknown, so it is dropped and the next
// Send reconnects first.
func (s *smtpSession) Send(ctx context.Context, msg *models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if msg == nil {
		return WrapPermanent(errors.New("smtp: message is nil"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.broken {
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}

	release := bindDeadline(ctx, s.conn)
	defer release()

	data := message.Encode(msg, message.EncodeOptions{
		Date:      s.now(),
		MessageID: message.NewMessageID(msg.From),
	})

	if err := s.client.Mail(msg.From); err != nil {
		return s.abort(ctx, "mail from", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		return s.abort(ctx, "rcpt to "+msg.To, err)
	}

	w, err := s.client.Data()
	if err != nil {
		return s.abort(ctx, "data", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return s.abort(ctx, "data write", err)
	}
	if err := w.Close(); err != nil {
		return s.abort(ctx, "data close", err)
	}

	return nil
}

func (s *smtpSession) abort(ctx context.Context, stage string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && ctx.Err() == nil {
		if resetErr := s.client.Reset(); resetErr != nil {
			s.logger.Debug().Err(resetErr).Str("stage", stage).Msg("smtp reset after failed transaction")
			s.drop()
		}
	} else {
		s.drop()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return classify(fmt.Errorf("smtp: %s: %w", stage, err))
}

// drop discards a connection whose protocol state can no longer be trusted.
func (s *smtpSession) drop() {
	if s.broken {
		return
	}
	s.broken = true
	_ = s.client.Close()
	s.logger.Debug().Msg("smtp connection dropped, reconnecting on next send")
}

func (s *smtpSession) reconnect(ctx context.Context) error {
	conn, client, err := s.redial(ctx)
	if err != nil {
		return classify(fmt.Errorf("smtp: reconnect: %w", err))
	}
	s.conn = conn
	s.client = client
	s.broken = false
	return nil
}

// Close sends QUIT and releases the connection. The connection is closed
// even when QUIT fails.
func (s *smtpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.broken {
		return nil
	}

	_ = s.conn.SetDeadline(time.Now().Add(quitTimeout))
	if err := s.client.Quit(); err != nil {
		_ = s.client.Close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("smtp: quit: %w", err)
	}
	return nil
}

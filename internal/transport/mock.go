package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/models"
)

// Scenario enumerates the scripted behaviours of the mock transport.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// MockOption customizes the mock dialer at construction time.
type MockOption func(*MockDialer)

// WithLatencyRange sets the simulated per-send latency. Negative values are
// clamped to zero and max < min is coerced to min.
func WithLatencyRange(min, max time.Duration) MockOption {
	return func(d *MockDialer) {
		if min < 0 {
			min = 0
		}
		if max < 0 {
			max = 0
		}
		if max < min {
			max = min
		}
		d.minLatency = min
		d.maxLatency = max
	}
}

// WithDialError makes every Dial fail with err before authentication.
func WithDialError(err error) MockOption {
	return func(d *MockDialer) {
		d.dialErr = err
	}
}

// WithAuthError makes every Dial fail at the authentication step.
func WithAuthError(err error) MockOption {
	return func(d *MockDialer) {
		d.authErr = err
	}
}

// WithCloseError makes Session.Close return err.
func WithCloseError(err error) MockOption {
	return func(d *MockDialer) {
		d.closeErr = err
	}
}

// WithRejection makes deliveries to addr fail permanently with reason as the
// error text.
func WithRejection(addr, reason string) MockOption {
	return func(d *MockDialer) {
		d.rejections[strings.ToLower(strings.TrimSpace(addr))] = reason
	}
}

// WithScenario scripts the behaviour for deliveries to addr. The first
// failures sends follow the scenario, later sends succeed. A value <= 0
// applies the scenario to every send.
func WithScenario(addr string, s Scenario, failures int) MockOption {
	return func(d *MockDialer) {
		key := strings.ToLower(strings.TrimSpace(addr))
		d.scenarios[key] = s
		if failures > 0 {
			d.remaining[key] = failures
		}
	}
}

// MockDialer is an in-memory transport for local runs and tests. It records
// every dial, send and close so callers can assert on session usage.
type MockDialer struct {
	logger     zerolog.Logger
	minLatency time.Duration
	maxLatency time.Duration
	dialErr    error
	authErr    error
	closeErr   error
	rejections map[string]string
	scenarios  map[string]Scenario
	remaining  map[string]int

	mu     sync.Mutex
	rnd    *rand.Rand
	dials  int
	closes int
	sent   []models.OutboundMessage
	tries  int
}

// NewMockDialer constructs a mock transport that accepts every recipient
// without latency unless configured otherwise.
func NewMockDialer(logger zerolog.Logger, opts ...MockOption) *MockDialer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &MockDialer{
		logger:     logger,
		rejections: make(map[string]string),
		scenarios:  make(map[string]Scenario),
		remaining:  make(map[string]int),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, creds models.Credentials) (Session, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.dialErr != nil {
		return nil, &StageError{
			Stage: StageConnect,
			Err:   fmt.Errorf("mock: dial %s:%d: %w", creds.ServerHost, creds.ServerPort, d.dialErr),
		}
	}
	if d.authErr != nil {
		return nil, &StageError{Stage: StageAuth, Err: fmt.Errorf("mock: auth: %w", d.authErr)}
	}

	d.logger.Debug().
		Str("provider", "mock_smtp").
		Str("sender", creds.SenderAddress).
		Msg("mock session opened")

	return &mockSession{dialer: d}, nil
}

// Dials returns the number of Dial calls.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Attempts returns the number of Send calls across all sessions.
func (d *MockDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tries
}

// Closes returns the number of sessions closed.
func (d *MockDialer) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Delivered returns copies of the messages accepted so far.
func (d *MockDialer) Delivered() []models.OutboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.OutboundMessage(nil), d.sent...)
}

func (d *MockDialer) deliver(ctx context.Context, msg *models.OutboundMessage) error {
	if msg == nil {
		return WrapPermanent(errors.New("mock: message is nil"))
	}

	d.mu.Lock()
	d.tries++
	d.mu.Unlock()

	if err := sleep(ctx, d.sampleLatency()); err != nil {
		return err
	}

	key := strings.ToLower(strings.TrimSpace(msg.To))
	if reason, ok := d.rejections[key]; ok {
		return WrapPermanent(errors.New(reason))
	}

	switch d.nextScenario(key) {
	case ScenarioPermanent:
		return WrapPermanent(errors.New("550 mailbox unavailable"))
	case ScenarioTransient:
		return WrapTransient(errors.New("451 requested action aborted, try again later"))
	case ScenarioTimeout:
		if err := sleep(ctx, d.maxLatency+d.minLatency+time.Millisecond); err != nil {
			return err
		}
		return WrapTransient(context.DeadlineExceeded)
	}

	d.mu.Lock()
	d.sent = append(d.sent, *msg)
	d.mu.Unlock()

	return nil
}

func (d *MockDialer) nextScenario(key string) Scenario {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.scenarios[key]
	if !ok {
		return ScenarioSuccess
	}
	left, limited := d.remaining[key]
	if !limited {
		return s
	}
	if left <= 0 {
		return ScenarioSuccess
	}
	d.remaining[key] = left - 1
	return s
}

func (d *MockDialer) sampleLatency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.maxLatency <= d.minLatency {
		return d.minLatency
	}
	delta := d.maxLatency - d.minLatency
	return d.minLatency + time.Duration(d.rnd.Int63n(int64(delta)+1))
}

type mockSession struct {
	dialer *MockDialer

	mu     sync.Mutex
	closed bool
}

func (s *mockSession) Send(ctx context.Context, msg *models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.dialer.deliver(ctx, msg)
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.dialer.mu.Lock()
	s.dialer.closes++
	s.dialer.mu.Unlock()

	return s.dialer.closeErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

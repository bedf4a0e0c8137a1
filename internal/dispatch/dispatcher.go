package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/example/bulk-mailer/internal/message"
	"github.com/example/bulk-mailer/internal/models"
	"github.com/example/bulk-mailer/internal/transport"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultSendTimeout    = 60 * time.Second
)

// Config contains the runtime settings of a dispatch session. Zero values
// select the defaults: one session, one attempt per recipient.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

// Dependencies collects the runtime collaborators required by the dispatcher.
type Dependencies struct {
	Dialer transport.Dialer
	Logger zerolog.Logger
	Now    func() time.Time
}

// Dispatcher delivers batches. A Dispatcher keeps no state between batches
// and may run several batches concurrently.
type Dispatcher struct {
	cfg    Config
	dialer transport.Dialer
	logger zerolog.Logger
	now    func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewDispatcher validates cfg and deps and returns a ready Dispatcher.
func NewDispatcher(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if cfg.Concurrency < 0 {
		return nil, errors.New("dispatch: concurrency cannot be negative")
	}
	if cfg.MaxAttempts < 0 {
		return nil, errors.New("dispatch: max attempts cannot be negative")
	}
	if cfg.BaseBackoff < 0 || cfg.MaxBackoff < 0 {
		return nil, errors.New("dispatch: backoff cannot be negative")
	}
	if cfg.ConnectTimeout < 0 || cfg.SendTimeout < 0 {
		return nil, errors.New("dispatch: timeouts cannot be negative")
	}
	if deps.Dialer == nil {
		return nil, errors.New("dispatch: dialer dependency is required")
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Dispatcher{
		cfg:    cfg,
		dialer: deps.Dialer,
		logger: logger,
		now:    nowFunc,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}, nil
}

// Run delivers req.Template to every recipient of req. It returns a
// *ValidationError when a precondition fails and a *SessionError when no
// authenticated session could be established; in both cases no recipient
// is attempted. Per-recipient failures are reported in the result only.
func (d *Dispatcher) Run(ctx context.Context, req models.BatchRequest) (*models.BatchResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	log := d.logger.With().
		Str("sender", req.Credentials.SenderAddress).
		Str("server", req.Credentials.ServerHost).
		Int("recipients", len(req.Recipients)).
		Logger()

	start := d.now()
	sessions, err := d.openSessions(ctx, req.Credentials, min(d.cfg.Concurrency, len(req.Recipients)))
	if err != nil {
		log.Error().Err(err).Msg("dispatch: batch aborted before sending")
		return nil, err
	}
	log.Info().Int("sessions", len(sessions)).Msg("dispatch: sessions ready")

	outcomes := d.sendAll(ctx, sessions, req, log)
	d.closeSessions(sessions, log)

	result := models.NewBatchResult(outcomes)
	log.Info().
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", len(result.Failures)).
		Dur("duration", d.now().Sub(start)).
		Msg("dispatch: batch finished")

	return result, nil
}

// openSessions dials n sessions concurrently. If any of them fails the
// others are closed and the batch is aborted.
func (d *Dispatcher) openSessions(ctx context.Context, creds models.Credentials, n int) ([]transport.Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	sessions := make([]transport.Session, n)
	g, gctx := errgroup.WithContext(connectCtx)
	for i := range sessions {
		i := i
		g.Go(func() error {
			s, err := d.dialer.Dial(gctx, creds)
			if err != nil {
				return err
			}
			if s == nil {
				return errors.New("dialer returned no session")
			}
			sessions[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, &SessionError{Stage: transport.DialStage(err), Err: err}
	}

	return sessions, nil
}

// sendAll delivers to every recipient. Each send borrows one session
// exclusively; outcomes are stored by recipient index so the result keeps
// recipient order regardless of completion order.
func (d *Dispatcher) sendAll(ctx context.Context, sessions []transport.Session, req models.BatchRequest, log zerolog.Logger) []models.SendOutcome {
	recipients := req.Recipients
	outcomes := make([]models.SendOutcome, len(recipients))

	pool := make(chan transport.Session, len(sessions))
	for _, s := range sessions {
		pool <- s
	}
	sem := semaphore.NewWeighted(int64(len(sessions)))

	var wg sync.WaitGroup
	for i, addr := range recipients {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Int("remaining", len(recipients)-i).Msg("dispatch: batch cancelled")
			for j := i; j < len(recipients); j++ {
				outcomes[j] = models.Failure(recipients[j], err.Error())
			}
			break
		}

		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			defer sem.Release(1)

			s := <-pool
			defer func() { pool <- s }()

			outcomes[i] = d.deliver(ctx, s, req, addr, log)
		}(i, addr)
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, s transport.Session, req models.BatchRequest, addr string, log zerolog.Logger) models.SendOutcome {
	from := req.Credentials.SenderAddress

	var err error
	for attempt := 1; ; attempt++ {
		msg := message.Build(req.Template, from, addr)

		start := d.now()
		err = d.sendOnce(ctx, s, msg)
		duration := d.now().Sub(start)

		if err == nil {
			log.Debug().
				Str("recipient", addr).
				Int("attempt", attempt).
				Dur("duration", duration).
				Msg("dispatch: message sent")
			return models.Success(addr)
		}

		if attempt >= d.cfg.MaxAttempts || !transport.IsTransient(err) || ctx.Err() != nil {
			break
		}

		backoff := d.computeBackoff(attempt)
		log.Info().
			Str("recipient", addr).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("dispatch: retrying after transient error")
		if !d.wait(ctx, backoff) {
			break
		}
	}

	log.Warn().Str("recipient", addr).Err(err).Msg("dispatch: delivery failed")
	return models.Failure(addr, err.Error())
}

func (d *Dispatcher) sendOnce(ctx context.Context, s transport.Session, msg *models.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return s.Send(sendCtx, msg)
}

// closeSessions ends every session. Close failures are logged only; they
// never change outcomes that were already recorded.
func (d *Dispatcher) closeSessions(sessions []transport.Session, log zerolog.Logger) {
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("dispatch: session close failed")
		}
	}
}

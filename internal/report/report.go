package report

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/models"
)

// Classification is the outcome category of a batch.
type Classification string

const (
	AllSucceeded   Classification = models.ClassificationAllSucceeded
	PartialSuccess Classification = models.ClassificationPartialSuccess
	AllFailed      Classification = models.ClassificationAllFailed
)

// Classify maps a result onto its classification. A result without failures
// is AllSucceeded, including an empty batch.
func Classify(res models.BatchResult) Classification {
	switch {
	case len(res.Failures) == 0:
		return AllSucceeded
	case res.Succeeded > 0:
		return PartialSuccess
	default:
		return AllFailed
	}
}

// Summary renders the operator notification for res. Every failure is
// listed as "address: reason" in recipient order.
func Summary(res models.BatchResult) string {
	if len(res.Failures) == 0 {
		return fmt.Sprintf("Emails sent successfully to all %d recipients!", res.Attempted)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Emails sent successfully to %d recipients, but failed for %d:\n\n", res.Succeeded, len(res.Failures))
	for i, f := range res.Failures {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Address, f.Reason)
	}
	return b.String()
}

// NewReport assembles the event emitted for one finished batch.
func NewReport(req models.BatchRequest, res models.BatchResult, startedAt, finishedAt time.Time) *models.BatchReport {
	return &models.BatchReport{
		BatchID:        uuid.NewString(),
		Classification: string(Classify(res)),
		Sender:         req.Credentials.SenderAddress,
		Subject:        req.Template.Subject,
		Attempted:      res.Attempted,
		Succeeded:      res.Succeeded,
		Failures:       append([]models.DeliveryFailure(nil), res.Failures...),
		StartedAt:      startedAt.UTC(),
		FinishedAt:     finishedAt.UTC(),
	}
}

// Reporter receives the report of every finished batch.
type Reporter interface {
	Report(ctx context.Context, rep *models.BatchReport) error
}

// LogReporter writes batch reports to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter constructs a LogReporter.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogReporter{logger: logger.With().Str("component", "reporter").Logger()}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, rep *models.BatchReport) error {
	if rep == nil {
		return errors.New("report: batch report is nil")
	}

	event := r.logger.Info()
	if rep.Classification != string(AllSucceeded) {
		event = r.logger.Warn()
	}

	failures := zerolog.Arr()
	for _, f := range rep.Failures {
		failures.Dict(zerolog.Dict().Str("address", f.Address).Str("reason", f.Reason))
	}

	event.
		Str("batch_id", rep.BatchID).
		Str("classification", rep.Classification).
		Int("attempted", rep.Attempted).
		Int("succeeded", rep.Succeeded).
		Array("failures", failures).
		Dur("duration", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("batch report")
	return nil
}

// Multi delivers a report to every non-nil reporter. All reporters are
// invoked even when some fail; their errors are joined.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, rep *models.BatchReport) error {
	var errs []error
	for _, r := range m {
		if r == nil || (reflect.ValueOf(r).Kind() == reflect.Ptr && reflect.ValueOf(r).IsNil()) {
			continue
		}
		if err := r.Report(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

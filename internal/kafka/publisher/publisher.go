package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the Kafka publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// ReportPublisher emits batch reports to a Kafka topic using the shared
// producer. It satisfies report.Reporter.
type ReportPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewReportPublisher constructs a ReportPublisher instance.
func NewReportPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *ReportPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &ReportPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// Report writes the batch report to Kafka synchronously, keyed by batch id.
func (p *ReportPublisher) Report(_ context.Context, rep *models.BatchReport) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if rep == nil {
		return errors.New("kafka publisher: batch report is nil")
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal batch report: %w", err)
	}

	headers := map[string][]byte{
		"content-type":   []byte("application/json"),
		"classification": []byte(rep.Classification),
	}

	if err := p.producer.PublishSync(p.topic, []byte(rep.BatchID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish batch report: %w", err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("batch_id", rep.BatchID).
		Msg("batch report published")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/config"
	"github.com/example/bulk-mailer/internal/dispatch"
	"github.com/example/bulk-mailer/internal/kafka/producer"
	kafkapublisher "github.com/example/bulk-mailer/internal/kafka/publisher"
	"github.com/example/bulk-mailer/internal/logger"
	"github.com/example/bulk-mailer/internal/models"
	"github.com/example/bulk-mailer/internal/recipients"
	"github.com/example/bulk-mailer/internal/report"
	"github.com/example/bulk-mailer/internal/transport"
)

const usage = `Usage: bulk-mailer -csv contacts.csv -subject "..." (-body "..." | -body-file body.txt)

SMTP credentials and server are read from the environment (SMTP_USER, SMTP_PASS,
SMTP_HOST, SMTP_PORT) or a .env file in the working directory.
`

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

type options struct {
	csvPath  string
	subject  string
	body     string
	bodyFile string
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("bulk-mailer", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, usage+"\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.csvPath, "csv", "", "path to the contacts CSV (columns \"Email\" and \"Accepts Email Marketing\")")
	fs.StringVar(&opts.subject, "subject", "", "message subject")
	fs.StringVar(&opts.body, "body", "", "plain text message body")
	fs.StringVar(&opts.bodyFile, "body-file", "", "read the message body from this file")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.csvPath == "" {
		return opts, errors.New("-csv is required")
	}
	if opts.body != "" && opts.bodyFile != "" {
		return opts, errors.New("-body and -body-file are mutually exclusive")
	}
	if opts.bodyFile != "" {
		raw, err := os.ReadFile(opts.bodyFile)
		if err != nil {
			return opts, fmt.Errorf("read body file: %w", err)
		}
		opts.body = string(raw)
	}
	return opts, nil
}

// run executes one batch and returns the process exit code. Log output goes
// to logOut when supplied.
func run(ctx context.Context, args []string, stdout io.Writer, logOut ...io.Writer) int {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return exitFatal
	}

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
		return exitFatal
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, logOut...)
	if err != nil {
		fail("logger init", err)
		return exitFatal
	}
	log := *baseLogger

	port, err := dispatch.ParsePort(cfg.Providers.SMTP.Port)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return exitFatal
	}

	list, err := recipients.LoadFile(opts.csvPath)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return exitFatal
	}
	log.Info().Str("csv", opts.csvPath).Int("recipients", len(list)).Msg("recipients loaded")

	dialer, err := transport.NewDialer(cfg.Providers, logger.Component(log, "transport"))
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise transport")
		return exitFatal
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Concurrency:    cfg.Dispatch.Concurrency,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseBackoff:    time.Duration(cfg.Dispatch.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Dispatch.MaxBackoffMs) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Dispatch.ConnectTimeoutSeconds) * time.Second,
		SendTimeout:    time.Duration(cfg.Dispatch.SendTimeoutSeconds) * time.Second,
	}, dispatch.Dependencies{
		Dialer: dialer,
		Logger: log,
		Now:    time.Now,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise dispatcher")
		return exitFatal
	}

	req := models.BatchRequest{
		Credentials: models.Credentials{
			SenderAddress: cfg.Providers.SMTP.User,
			SenderSecret:  cfg.Providers.SMTP.Pass,
			ServerHost:    cfg.Providers.SMTP.Host,
			ServerPort:    port,
		},
		Template:   models.MessageTemplate{Subject: opts.subject, Body: opts.body},
		Recipients: list,
	}

	startedAt := time.Now()
	res, err := dispatcher.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return exitFatal
	}

	reporter, closeReporter := buildReporter(cfg.Kafka, log)
	defer closeReporter()

	rep := report.NewReport(req, *res, startedAt, time.Now())
	if err := reporter.Report(ctx, rep); err != nil {
		log.Error().Err(err).Str("batch_id", rep.BatchID).Msg("failed to publish batch report")
	}

	fmt.Fprintln(stdout, report.Summary(*res))

	if report.Classify(*res) != report.AllSucceeded {
		return exitPartial
	}
	return exitOK
}

// buildReporter always logs the report and also publishes it to Kafka when
// brokers are configured. A broken Kafka setup never fails the batch.
func buildReporter(cfg config.KafkaConfig, log zerolog.Logger) (report.Reporter, func()) {
	reporters := report.Multi{report.NewLogReporter(log)}
	if !cfg.Enabled() {
		return reporters, func() {}
	}

	kafkaLogger := logger.Component(log, "kafka")
	prod, err := producer.New(cfg.Brokers, kafkaLogger)
	if err != nil {
		log.Error().Err(err).Strs("brokers", cfg.Brokers).Msg("failed to create kafka producer")
		return reporters, func() {}
	}
	if !prod.IsReady() {
		log.Warn().Strs("brokers", cfg.Brokers).Msg("kafka producer not ready, publishing anyway")
	}

	pub := kafkapublisher.NewReportPublisher(prod, cfg.ReportTopic, logger.Component(log, "report-publisher"))
	reporters = append(reporters, pub)

	return reporters, func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}
}

func fail(stage string, err error) {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Error().Err(err).Str("stage", stage).Msg("bulk mailer init failed")
}

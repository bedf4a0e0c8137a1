package transport

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/bulk-mailer/internal/config"
)

// NewDialer constructs the configured transport backend, supporting SMTP and
// mock backends.
func NewDialer(cfg config.ProviderConfig, logger zerolog.Logger) (Dialer, error) {
	backend := normalize(cfg.EmailProvider, "smtp")
	switch backend {
	case "smtp":
		dialer := NewSMTPDialer(logger,
			WithHelloName(cfg.SMTP.HelloName),
			WithRequireTLS(cfg.SMTP.RequireTLS),
		)
		logger.Info().
			Str("backend", "smtp").
			Bool("require_tls", cfg.SMTP.RequireTLS).
			Msg("transport initialised")
		return dialer, nil
	case "mock":
		dialer := NewMockDialer(logger)
		logger.Info().
			Str("backend", "mock").
			Msg("transport initialised")
		return dialer, nil
	default:
		return nil, fmt.Errorf("transport: unsupported backend %q", cfg.EmailProvider)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}

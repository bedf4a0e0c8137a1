package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/bulk-mailer/internal/models"
)

const maxPort = 65535

// Validate checks the batch preconditions. Values are only checked for
// presence; address syntax is left to the server. It never touches the
// network.
func Validate(req models.BatchRequest) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	creds := req.Credentials
	if strings.TrimSpace(creds.SenderAddress) == "" {
		add("sender address is required")
	}
	if creds.SenderSecret == "" {
		add("sender secret is required")
	}
	if strings.TrimSpace(creds.ServerHost) == "" {
		add("server host is required")
	}
	if creds.ServerPort <= 0 || creds.ServerPort > maxPort {
		add("server port must be between 1 and %d, got %d", maxPort, creds.ServerPort)
	}
	if strings.TrimSpace(req.Template.Subject) == "" {
		add("subject is required")
	}
	if strings.TrimSpace(req.Template.Body) == "" {
		add("body is required")
	}
	if len(req.Recipients) == 0 {
		add("at least one recipient is required")
	}
	for i, addr := range req.Recipients {
		if strings.TrimSpace(addr) == "" {
			add("recipient[%d] is empty", i)
		}
	}

	if len(problems) > 0 {
		return newValidationError(problems...)
	}
	return nil
}

// ParsePort converts a user supplied port into an integer, reporting a
// non-numeric or out of range value as a ValidationError.
func ParsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, newValidationError(fmt.Sprintf("server port must be a number, got %q", raw))
	}
	if port <= 0 || port > maxPort {
		return 0, newValidationError(fmt.Sprintf("server port must be between 1 and %d, got %d", maxPort, port))
	}
	return port, nil
}

package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/example/bulk-mailer/internal/models"
)

// ParseError reports a tabular source that could not be decoded into rows.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("recipients: parse line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("recipients: parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ContactFromRow extracts the contact fields from row. Missing columns are
// treated as empty values.
func ContactFromRow(row models.Row) models.ContactRecord {
	optIn := strings.ToLower(strings.TrimSpace(row[models.ColumnOptIn]))
	return models.ContactRecord{
		Address:        strings.TrimSpace(row[models.ColumnEmail]),
		MarketingOptIn: optIn == models.OptInAccepts,
	}
}

// Filter keeps the addresses of records that have a non-empty address and
// opted in, preserving input order.
func Filter(records []models.ContactRecord) models.RecipientList {
	out := make(models.RecipientList, 0, len(records))
	for _, rec := range records {
		addr := strings.TrimSpace(rec.Address)
		if addr == "" || !rec.MarketingOptIn {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// FilterRows applies ContactFromRow and Filter to parsed rows.
func FilterRows(rows []models.Row) models.RecipientList {
	records := make([]models.ContactRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, ContactFromRow(row))
	}
	return Filter(records)
}

// ReadRows decodes comma separated UTF-8 text with a header line. A leading
// byte order mark is skipped. Rows shorter than the header leave the missing
// columns unset and extra trailing fields are dropped.
func ReadRows(r io.Reader) ([]models.Row, error) {
	if r == nil {
		return nil, &ParseError{Err: errors.New("source is nil")}
	}

	decoded := transform.NewReader(r, unicode.BOMOverride(encoding.UTF8Validator))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapReadError(err)
	}

	var rows []models.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapReadError(err)
		}

		row := make(models.Row, len(header))
		for i, name := range header {
			if i >= len(record) {
				break
			}
			row[name] = record[i]
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// Load reads rows from r and returns the opted-in recipients.
func Load(r io.Reader) (models.RecipientList, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return nil, err
	}
	return FilterRows(rows), nil
}

// LoadFile opens path and delegates to Load.
func LoadFile(path string) (models.RecipientList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	defer f.Close()

	return Load(f)
}

func wrapReadError(err error) error {
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return &ParseError{Line: csvErr.Line, Err: csvErr.Err}
	}
	return &ParseError{Err: err}
}

package models

// Column names the recipient filter looks up in every tabular row.
const (
	ColumnEmail  = "Email"
	ColumnOptIn  = "Accepts Email Marketing"
	OptInAccepts = "yes"
)

// Row is one parsed tabular record keyed by header name.
type Row map[string]string

// ContactRecord is the normalised view of a Row used while filtering.
type ContactRecord struct {
	Address        string
	MarketingOptIn bool
}

// RecipientList is the ordered set of addresses a batch is delivered to.
// Duplicates are preserved in source order.
type RecipientList []string

// Credentials identify the sender and the SMTP server for a single batch.
type Credentials struct {
	SenderAddress string
	SenderSecret  string
	ServerHost    string
	ServerPort    int
}

// MessageTemplate is the subject/body pair shared read-only by every
// message of a batch.
type MessageTemplate struct {
	Subject string
	Body    string
}

// OutboundMessage is a fully addressed message for exactly one recipient.
type OutboundMessage struct {
	From    string
	To      string
	Subject string
	Body    string
}

// BatchRequest is the input record handed to the dispatch session.
type BatchRequest struct {
	Credentials Credentials
	Template    MessageTemplate
	Recipients  RecipientList
}

// SendOutcome records the result of delivering to one recipient.
type SendOutcome struct {
	Address string
	OK      bool
	Reason  string
}

// Success returns a successful outcome for addr.
func Success(addr string) SendOutcome {
	return SendOutcome{Address: addr, OK: true}
}

// Failure returns a failed outcome for addr carrying reason.
func Failure(addr, reason string) SendOutcome {
	return SendOutcome{Address: addr, Reason: reason}
}

// DeliveryFailure pairs a recipient with the reason its delivery failed.
type DeliveryFailure struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// BatchResult aggregates the outcomes of one batch. Succeeded plus
// len(Failures) always equals Attempted.
type BatchResult struct {
	Attempted int
	Succeeded int
	Failures  []DeliveryFailure
}

// NewBatchResult folds ordered outcomes into a BatchResult, keeping the
// failure list in outcome order.
func NewBatchResult(outcomes []SendOutcome) *BatchResult {
	res := &BatchResult{Attempted: len(outcomes)}
	for _, o := range outcomes {
		if o.OK {
			res.Succeeded++
			continue
		}
		res.Failures = append(res.Failures, DeliveryFailure{Address: o.Address, Reason: o.Reason})
	}
	return res
}

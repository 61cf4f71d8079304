// Package commerce implements the structured commerce documents that
// accompany a job settlement. A Quote is attached to a bid, an Invoice
// is raised when work completes, and a Receipt is issued once the
// payment transfer clears. Every document carries a canonical hash so
// that any party can verify it was not altered after issuance.
package commerce

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/agentguild/guild/pkg/models"
)

const (
	MessageTypeQuote   = "Quote"
	MessageTypeInvoice = "Invoice"
	MessageTypeReceipt = "Receipt"

	// QuoteValidity bounds how long an issued quote may be accepted.
	QuoteValidity = 5 * time.Minute
	// InvoiceDueAfter is the payment window granted on a fresh invoice.
	InvoiceDueAfter = time.Hour

	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusOverdue = "overdue"

	// placeholderSignature stands in until agent keypairs land.
	placeholderSignature = "placeholder"
)

// Quote is a priced offer from a seller agent to take on a job.
type Quote struct {
	MessageType   string   `json:"message_type"`
	MessageID     string   `json:"message_id"`
	JobID         string   `json:"job_id"`
	BuyerAgentID  string   `json:"buyer_agent_id"`
	SellerAgentID string   `json:"seller_agent_id"`
	Price         int64    `json:"price"`
	Currency      string   `json:"currency"`
	Skills        []string `json:"skills,omitempty"`
	EstimatedMS   int64    `json:"estimated_duration_ms,omitempty"`
	Expiry        string   `json:"expiry,omitempty"`
	Timestamp     string   `json:"timestamp"`
	Signature     string   `json:"signature,omitempty"`
	CanonicalHash string   `json:"canonical_hash,omitempty"`
}

// LineItem is a single charge on an invoice.
type LineItem struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// Invoice requests payment for completed work.
type Invoice struct {
	MessageType   string     `json:"message_type"`
	MessageID     string     `json:"message_id"`
	JobID         string     `json:"job_id"`
	BuyerAgentID  string     `json:"buyer_agent_id"`
	SellerAgentID string     `json:"seller_agent_id"`
	Price         int64      `json:"price"`
	Currency      string     `json:"currency"`
	DueDate       string     `json:"due_date,omitempty"`
	LineItems     []LineItem `json:"line_items,omitempty"`
	Status        string     `json:"status,omitempty"`
	Timestamp     string     `json:"timestamp"`
	Signature     string     `json:"signature,omitempty"`
	CanonicalHash string     `json:"canonical_hash,omitempty"`
}

// Receipt proves an invoice was paid, anchored by the ledger transfer.
type Receipt struct {
	MessageType      string `json:"message_type"`
	MessageID        string `json:"message_id"`
	JobID            string `json:"job_id"`
	BuyerAgentID     string `json:"buyer_agent_id"`
	SellerAgentID    string `json:"seller_agent_id"`
	Price            int64  `json:"price"`
	Currency         string `json:"currency"`
	InvoiceID        string `json:"invoice_id,omitempty"`
	PaymentTxID      string `json:"payment_tx_id,omitempty"`
	PaymentTimestamp string `json:"payment_timestamp,omitempty"`
	LedgerSequence   uint64 `json:"ledger_sequence_number,omitempty"`
	Timestamp        string `json:"timestamp"`
	Signature        string `json:"signature,omitempty"`
	CanonicalHash    string `json:"canonical_hash,omitempty"`
}

// CanonicalHash returns the hex sha256 of the document serialized with
// sorted keys, excluding the canonical_hash and signature fields so the
// hash stays stable once embedded back into the document.
func CanonicalHash(document any) (string, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return "", err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	delete(fields, "canonical_hash")
	delete(fields, "signature")
	// encoding/json writes map keys in sorted order
	sorted, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(sorted)
	return hex.EncodeToString(sum[:]), nil
}

// Builder issues commerce documents with consistent identifiers,
// timestamps and hashes.
type Builder struct {
	clock clock.Clock
}

type Option func(*Builder)

func WithClock(clock clock.Clock) Option {
	return func(b *Builder) {
		b.clock = clock
	}
}

func NewBuilder(options ...Option) *Builder {
	builder := &Builder{clock: clock.New()}
	for _, opt := range options {
		opt(builder)
	}
	return builder
}

func (b *Builder) messageID(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, b.clock.Now().UnixMilli(), models.ShortID(uuid.NewString()))
}

func (b *Builder) timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type QuoteParams struct {
	JobID             models.JobID
	BuyerAgentID      models.AgentID
	SellerAgentID     models.AgentID
	Price             int64
	Currency          string
	Skills            []string
	EstimatedDuration time.Duration
}

func (b *Builder) BuildQuote(params QuoteParams) (Quote, error) {
	now := b.clock.Now()
	quote := Quote{
		MessageType:   MessageTypeQuote,
		MessageID:     b.messageID("quote"),
		JobID:         params.JobID.String(),
		BuyerAgentID:  params.BuyerAgentID.String(),
		SellerAgentID: params.SellerAgentID.String(),
		Price:         params.Price,
		Currency:      params.Currency,
		Skills:        params.Skills,
		EstimatedMS:   params.EstimatedDuration.Milliseconds(),
		Expiry:        b.timestamp(now.Add(QuoteValidity)),
		Timestamp:     b.timestamp(now),
		Signature:     placeholderSignature,
	}
	hash, err := CanonicalHash(quote)
	if err != nil {
		return Quote{}, err
	}
	quote.CanonicalHash = hash
	return quote, nil
}

type InvoiceParams struct {
	JobID         models.JobID
	BuyerAgentID  models.AgentID
	SellerAgentID models.AgentID
	Price         int64
	Currency      string
	Description   string
}

func (b *Builder) BuildInvoice(params InvoiceParams) (Invoice, error) {
	now := b.clock.Now()
	invoice := Invoice{
		MessageType:   MessageTypeInvoice,
		MessageID:     b.messageID("inv"),
		JobID:         params.JobID.String(),
		BuyerAgentID:  params.BuyerAgentID.String(),
		SellerAgentID: params.SellerAgentID.String(),
		Price:         params.Price,
		Currency:      params.Currency,
		DueDate:       b.timestamp(now.Add(InvoiceDueAfter)),
		LineItems:     []LineItem{{Description: params.Description, Amount: params.Price}},
		Status:        InvoiceStatusPending,
		Timestamp:     b.timestamp(now),
		Signature:     placeholderSignature,
	}
	hash, err := CanonicalHash(invoice)
	if err != nil {
		return Invoice{}, err
	}
	invoice.CanonicalHash = hash
	return invoice, nil
}

type ReceiptParams struct {
	JobID          models.JobID
	BuyerAgentID   models.AgentID
	SellerAgentID  models.AgentID
	Price          int64
	Currency       string
	InvoiceID      string
	PaymentTxID    string
	LedgerSequence uint64
}

func (b *Builder) BuildReceipt(params ReceiptParams) (Receipt, error) {
	now := b.clock.Now()
	receipt := Receipt{
		MessageType:      MessageTypeReceipt,
		MessageID:        b.messageID("rcpt"),
		JobID:            params.JobID.String(),
		BuyerAgentID:     params.BuyerAgentID.String(),
		SellerAgentID:    params.SellerAgentID.String(),
		Price:            params.Price,
		Currency:         params.Currency,
		InvoiceID:        params.InvoiceID,
		PaymentTxID:      params.PaymentTxID,
		PaymentTimestamp: b.timestamp(now),
		LedgerSequence:   params.LedgerSequence,
		Timestamp:        b.timestamp(now),
		Signature:        placeholderSignature,
	}
	hash, err := CanonicalHash(receipt)
	if err != nil {
		return Receipt{}, err
	}
	receipt.CanonicalHash = hash
	return receipt, nil
}

package commerce

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Schemas are compiled once at package init. They are inlined rather
// than shipped as files so the binary stays self-contained.
const commonProperties = `
	"message_id": {"type": "string"},
	"message_type": {"type": "string"},
	"job_id": {"type": "string"},
	"buyer_agent_id": {"type": "string"},
	"seller_agent_id": {"type": "string"},
	"price": {"type": "number", "minimum": 0},
	"currency": {"type": "string"},
	"timestamp": {"type": "string"},
	"canonical_hash": {"type": "string"},
	"signature": {"type": "string"}`

const requiredFields = `["message_type", "message_id", "job_id", "buyer_agent_id", "seller_agent_id", "price", "currency", "timestamp"]`

var quoteSchema = fmt.Sprintf(`{
	"type": "object",
	"properties": {
		%s,
		"message_type": {"type": "string", "const": "Quote"},
		"expiry": {"type": "string"},
		"skills": {"type": "array", "items": {"type": "string"}},
		"estimated_duration_ms": {"type": "number"}
	},
	"required": %s
}`, commonProperties, requiredFields)

var invoiceSchema = fmt.Sprintf(`{
	"type": "object",
	"properties": {
		%s,
		"message_type": {"type": "string", "const": "Invoice"},
		"due_date": {"type": "string"},
		"line_items": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"amount": {"type": "number"}
				},
				"required": ["description", "amount"]
			}
		},
		"status": {"type": "string", "enum": ["pending", "paid", "overdue"]}
	},
	"required": %s
}`, commonProperties, requiredFields)

var receiptSchema = fmt.Sprintf(`{
	"type": "object",
	"properties": {
		%s,
		"message_type": {"type": "string", "const": "Receipt"},
		"invoice_id": {"type": "string"},
		"payment_tx_id": {"type": "string"},
		"payment_timestamp": {"type": "string"},
		"ledger_sequence_number": {"type": "number"}
	},
	"required": %s
}`, commonProperties, requiredFields)

var (
	compiledQuoteSchema   = gojsonschema.NewStringLoader(quoteSchema)
	compiledInvoiceSchema = gojsonschema.NewStringLoader(invoiceSchema)
	compiledReceiptSchema = gojsonschema.NewStringLoader(receiptSchema)
)

func validate(schema gojsonschema.JSONLoader, document []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return errors.Wrap(err, "running schema validation")
	}
	if result.Valid() {
		return nil
	}
	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return NewErrInvalidDocument(messages)
}

// ValidateQuote checks a serialized quote against its schema.
func ValidateQuote(document []byte) error {
	return validate(compiledQuoteSchema, document)
}

// ValidateInvoice checks a serialized invoice against its schema.
func ValidateInvoice(document []byte) error {
	return validate(compiledInvoiceSchema, document)
}

// ValidateReceipt checks a serialized receipt against its schema.
func ValidateReceipt(document []byte) error {
	return validate(compiledReceiptSchema, document)
}

// ErrInvalidDocument reports every schema violation found in a
// commerce document.
type ErrInvalidDocument struct {
	Violations []string
}

func NewErrInvalidDocument(violations []string) ErrInvalidDocument {
	return ErrInvalidDocument{Violations: violations}
}

func (e ErrInvalidDocument) Error() string {
	return fmt.Sprintf("invalid commerce document: %s", strings.Join(e.Violations, "; "))
}

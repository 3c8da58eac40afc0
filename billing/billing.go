// Package billing holds the domain types and store capabilities the
// notification processor reconciles against. Store access is expressed as
// narrow interfaces so each component depends only on the capabilities it
// actually uses and tests can implement exactly that surface.
package billing

import (
	"context"
	"errors"
	"time"
)

// TransactionStatus represents the settlement state of a transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusProcessed TransactionStatus = "processed"
)

// InvoiceStatus represents the payment state of an invoice
type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "unpaid"
	InvoicePaid   InvoiceStatus = "paid"
)

var (
	// ErrUntrustedNotification is returned when an inbound notification's
	// signature does not match the recomputed inbound digest. The payload
	// may be forged or corrupted; no state is touched.
	ErrUntrustedNotification = errors.New("billing: notification signature mismatch")

	// ErrUnknownTransaction is returned when a notification references a
	// transaction id with no matching record. A transaction must already
	// exist from order creation; the processor never fabricates one.
	ErrUnknownTransaction = errors.New("billing: transaction not found")

	// ErrUnknownInvoice is returned when neither the transaction's invoice
	// reference nor the gateway order id resolves to an invoice.
	ErrUnknownInvoice = errors.New("billing: invoice not found")

	// ErrStaleTransaction is returned by stores when a conditional
	// pending-to-processed transition matches no row.
	ErrStaleTransaction = errors.New("billing: transaction already settled")
)

// Transaction is the billing system's record of a payment attempt. The
// processor transitions Status exactly once and fills InvoiceID, ExternalID
// and Amount on that transition; a processed transaction never reverts.
type Transaction struct {
	ID         string            `json:"id"`
	InvoiceID  int64             `json:"invoiceId,omitempty"` // 0 until resolved
	Status     TransactionStatus `json:"status"`
	ExternalID string            `json:"externalId,omitempty"`
	Amount     float64           `json:"amount,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Invoice is referenced by id from the gateway's order field and by an
// opaque hash from checkout links. The processor never mutates invoice
// identity, it only triggers payment application against it.
type Invoice struct {
	ID       int64         `json:"id"`
	ClientID int64         `json:"clientId"`
	Hash     string        `json:"hash"`
	Currency string        `json:"currency"`
	Subtotal float64       `json:"subtotal"`
	TaxRate  float64       `json:"taxRate"` // percent
	Status   InvoiceStatus `json:"status"`
}

// TotalWithTax returns the invoice amount due including tax.
func (i Invoice) TotalWithTax() float64 {
	return i.Subtotal * (1 + i.TaxRate/100)
}

// Client owns invoices and a credit balance fed by settled transactions.
type Client struct {
	ID      int64   `json:"id"`
	Email   string  `json:"email,omitempty"`
	Balance float64 `json:"balance"`
}

// LedgerEntry records a single balance movement on a client's account.
type LedgerEntry struct {
	ID          int64          `json:"id"`
	ClientID    int64          `json:"clientId"`
	Amount      float64        `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Notification is the untrusted inbound payload delivered by the gateway.
// Every field is an opaque string until the signature is verified; Amount is
// the exact wire text so the digest is recomputed over what was signed.
type Notification struct {
	Amount      string `json:"amount"`
	OrderID     string `json:"orderId"`
	OperationID string `json:"operationId,omitempty"`
	Signature   string `json:"signature"`
}

// NotificationVerifier establishes trust in an inbound notification.
// Implemented by the gateway adapter with the inbound secret.
type NotificationVerifier interface {
	VerifyNotification(n Notification) error
}

// InvoiceStore provides the invoice capabilities the processor and the
// checkout flow consume. Lookups return (nil, nil) when no record matches;
// a non-nil error always means store I/O failed.
type InvoiceStore interface {
	GetByID(ctx context.Context, id int64) (*Invoice, error)
	GetByHash(ctx context.Context, hash string) (*Invoice, error)
	TotalWithTax(ctx context.Context, id int64) (float64, error)

	// PayFromCredit applies the owning client's available credit to the
	// invoice; reports whether the invoice was settled.
	PayFromCredit(ctx context.Context, id int64) (bool, error)

	// ApplyCreditBatch sweeps the client's unpaid invoices against its
	// available credit, oldest first; returns how many were settled.
	ApplyCreditBatch(ctx context.Context, clientID int64) (int, error)
}

// TransactionStore persists transaction records.
type TransactionStore interface {
	GetByID(ctx context.Context, id string) (*Transaction, error)
	Create(ctx context.Context, tx *Transaction) error

	// Save persists the settled fields. When tx.Status is processed the
	// write must be a conditional pending-to-processed transition and
	// return ErrStaleTransaction if no pending row matched.
	Save(ctx context.Context, tx *Transaction) error
}

// ClientStore resolves clients by id.
type ClientStore interface {
	GetByID(ctx context.Context, id int64) (*Client, error)
}

// Ledger adds funds to a client's balance with a description and metadata
// tying the movement back to its source transaction.
type Ledger interface {
	AddFunds(ctx context.Context, clientID int64, amount float64, description string, metadata map[string]any) error
}

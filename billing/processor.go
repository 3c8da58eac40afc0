package billing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Outcome reports the result of processing one notification.
type Outcome struct {
	TransactionID string  `json:"transactionId"`
	InvoiceID     int64   `json:"invoiceId"`
	ClientID      int64   `json:"clientId"`
	Amount        float64 `json:"amount"`

	// AlreadyProcessed is set when the notification was a redelivery for a
	// settled transaction and the call was an idempotent no-op.
	AlreadyProcessed bool `json:"alreadyProcessed"`
}

// Processor reconciles verified gateway notifications against the billing
// stores exactly once per transaction.
type Processor struct {
	verifier     NotificationVerifier
	transactions TransactionStore
	invoices     InvoiceStore
	clients      ClientStore
	ledger       Ledger

	// Redelivered notifications for the same transaction serialize around
	// the idempotency guard; invocations for the same client serialize
	// around the ledger credit and the sweep.
	txLocks     keyedMutex
	clientLocks keyedMutex
}

// NewProcessor creates a notification processor over the given collaborators.
func NewProcessor(verifier NotificationVerifier, transactions TransactionStore, invoices InvoiceStore, clients ClientStore, ledger Ledger) *Processor {
	return &Processor{
		verifier:     verifier,
		transactions: transactions,
		invoices:     invoices,
		clients:      clients,
		ledger:       ledger,
	}
}

// ProcessNotification verifies and reconciles one inbound notification.
// transactionID is the billing system's own transaction id carried on the
// notification URL, distinct from the gateway's order reference.
//
// Each step's failure is terminal for the invocation: signature and
// referential failures never mutate any store, and store I/O failures are
// surfaced so the caller can let the gateway redeliver. The idempotency
// guard makes redelivery safe.
func (p *Processor) ProcessNotification(ctx context.Context, transactionID string, n Notification) (*Outcome, error) {
	if err := p.verifier.VerifyNotification(n); err != nil {
		return nil, err
	}

	unlock := p.txLocks.lock(transactionID)
	defer unlock()

	tx, err := p.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}

	invoice, err := p.resolveInvoice(ctx, tx, n.OrderID)
	if err != nil {
		return nil, err
	}
	tx.InvoiceID = invoice.ID

	// Idempotency guard: gateways redeliver notifications, a settled
	// transaction must not be credited again.
	if tx.Status == StatusProcessed {
		return &Outcome{
			TransactionID:    tx.ID,
			InvoiceID:        invoice.ID,
			ClientID:         invoice.ClientID,
			Amount:           tx.Amount,
			AlreadyProcessed: true,
		}, nil
	}

	amount, err := strconv.ParseFloat(n.Amount, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("billing: notification amount %q is not a positive decimal", n.Amount)
	}

	tx.Status = StatusProcessed
	tx.ExternalID = n.OperationID
	tx.Amount = amount
	tx.UpdatedAt = time.Now().UTC()

	if err := p.settle(ctx, tx, invoice, n); err != nil {
		return nil, err
	}

	if err := p.transactions.Save(ctx, tx); err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}

	return &Outcome{
		TransactionID: tx.ID,
		InvoiceID:     invoice.ID,
		ClientID:      invoice.ClientID,
		Amount:        amount,
	}, nil
}

// resolveInvoice uses the transaction's invoice reference when already set,
// otherwise resolves by the gateway's order id and backfills.
func (p *Processor) resolveInvoice(ctx context.Context, tx *Transaction, orderID string) (*Invoice, error) {
	invoiceID := tx.InvoiceID
	if invoiceID == 0 {
		parsed, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: order id %q", ErrUnknownInvoice, orderID)
		}
		invoiceID = parsed
	}

	invoice, err := p.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}
	if invoice == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInvoice, invoiceID)
	}
	return invoice, nil
}

// settle credits the client ledger and applies the new credit, first to the
// resolved invoice, then across the client's remaining unpaid invoices.
func (p *Processor) settle(ctx context.Context, tx *Transaction, invoice *Invoice, n Notification) error {
	unlock := p.clientLocks.lock(strconv.FormatInt(invoice.ClientID, 10))
	defer unlock()

	client, err := p.clients.GetByID(ctx, invoice.ClientID)
	if err != nil {
		return fmt.Errorf("load client %d: %w", invoice.ClientID, err)
	}
	if client == nil {
		return fmt.Errorf("billing: client %d not found for invoice %d", invoice.ClientID, invoice.ID)
	}

	metadata := map[string]any{
		"type":        "transaction",
		"rel_id":      tx.ID,
		"external_id": tx.ExternalID,
		"order_id":    n.OrderID,
	}
	description := fmt.Sprintf("FreeKassa transaction %s", externalRef(tx, n))
	if err := p.ledger.AddFunds(ctx, client.ID, tx.Amount, description, metadata); err != nil {
		return fmt.Errorf("credit client %d: %w", client.ID, err)
	}

	if _, err := p.invoices.PayFromCredit(ctx, invoice.ID); err != nil {
		return fmt.Errorf("pay invoice %d from credit: %w", invoice.ID, err)
	}

	// Newly available credit may satisfy the client's other invoices.
	if _, err := p.invoices.ApplyCreditBatch(ctx, client.ID); err != nil {
		return fmt.Errorf("apply credit batch for client %d: %w", client.ID, err)
	}

	return nil
}

// externalRef prefers the gateway's operation id, falling back to the order
// reference when the gateway omitted it.
func externalRef(tx *Transaction, n Notification) string {
	if tx.ExternalID != "" {
		return tx.ExternalID
	}
	return n.OrderID
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

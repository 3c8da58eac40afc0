package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openbilling/freekassa/billing"
	"github.com/openbilling/freekassa/infra/middle"
	"github.com/openbilling/freekassa/infra/opensearch"
	"github.com/openbilling/freekassa/infra/response"
	"github.com/openbilling/freekassa/provider/freekassa"
)

// CheckoutRequest is the payload for creating a checkout redirect.
// The invoice is addressed by id or by its opaque hash.
type CheckoutRequest struct {
	InvoiceID   int64  `json:"invoiceId" validate:"required_without=InvoiceHash"`
	InvoiceHash string `json:"invoiceHash" validate:"required_without=InvoiceID"`
	Email       string `json:"email" validate:"omitempty,email"`
	Phone       string `json:"phone,omitempty"`
	SuccessURL  string `json:"successUrl" validate:"omitempty,url"`
	FailureURL  string `json:"failureUrl" validate:"omitempty,url"`
}

// CheckoutResponse carries the signed redirect URL and the pending
// transaction created for it.
type CheckoutResponse struct {
	PaymentURL    string `json:"paymentUrl"`
	TransactionID string `json:"transactionId"`
	OrderID       string `json:"orderId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// PaymentHandler handles the checkout endpoint and the gateway's IPN
// callback.
type PaymentHandler struct {
	gateway      *freekassa.Provider
	processor    *billing.Processor
	invoices     billing.InvoiceStore
	transactions billing.TransactionStore
	validate     *validator.Validate
	events       *opensearch.Logger
	baseURL      string
}

// NewPaymentHandler creates a new payment handler. events may be nil.
func NewPaymentHandler(gateway *freekassa.Provider, processor *billing.Processor, invoices billing.InvoiceStore, transactions billing.TransactionStore, validate *validator.Validate, events *opensearch.Logger, baseURL string) *PaymentHandler {
	return &PaymentHandler{
		gateway:      gateway,
		processor:    processor,
		invoices:     invoices,
		transactions: transactions,
		validate:     validate,
		events:       events,
		baseURL:      baseURL,
	}
}

// CreateCheckout resolves the invoice, records a pending transaction and
// returns the signed redirect URL to the hosted payment page. The caller is
// responsible for redirecting the payer.
func (h *PaymentHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	invoice, err := h.resolveInvoice(ctx, req)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return
	}
	if invoice == nil {
		response.Error(w, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	if invoice.Status == billing.InvoicePaid {
		response.Error(w, http.StatusConflict, "Invoice is already paid", nil)
		return
	}

	total, err := h.invoices.TotalWithTax(ctx, invoice.ID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to compute invoice total", err)
		return
	}

	// The transaction must exist before the gateway can notify about it
	tx := &billing.Transaction{InvoiceID: invoice.ID, Status: billing.StatusPending}
	if err := h.transactions.Create(ctx, tx); err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to create transaction", err)
		return
	}

	currency := invoice.Currency
	if currency == "" {
		currency = h.gateway.Currency()
	}

	orderID := strconv.FormatInt(invoice.ID, 10)
	amount := strconv.FormatFloat(total, 'f', 2, 64)
	paymentURL, err := h.gateway.BuildCheckoutURL(freekassa.PaymentRequest{
		OrderID:         orderID,
		Amount:          amount,
		Currency:        currency,
		Email:           req.Email,
		IP:              middle.GetClientIP(r),
		Phone:           req.Phone,
		SuccessURL:      req.SuccessURL,
		FailureURL:      req.FailureURL,
		NotificationURL: fmt.Sprintf("%s/callback/freekassa?tid=%s", h.baseURL, tx.ID),
	})
	if err != nil {
		if errors.Is(err, freekassa.ErrInvalidRequest) {
			response.Error(w, http.StatusBadRequest, "Invalid payment request", err)
			return
		}
		response.Error(w, http.StatusInternalServerError, "Failed to build checkout URL", err)
		return
	}

	_ = h.events.LogEvent(ctx, opensearch.Event{
		Kind:          opensearch.KindCheckout,
		OrderID:       orderID,
		TransactionID: tx.ID,
		Amount:        amount,
		Currency:      currency,
		ClientIP:      middle.GetClientIP(r),
		Outcome:       "created",
	})

	response.Success(w, http.StatusOK, "Checkout created", CheckoutResponse{
		PaymentURL:    paymentURL,
		TransactionID: tx.ID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      currency,
	})
}

// HandleNotification receives the gateway's asynchronous payment
// notification. FreeKassa expects the literal body "YES" as the
// acknowledgment; anything else makes it redeliver, which the idempotency
// guard in the processor makes safe.
func (h *PaymentHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := r.ParseForm(); err != nil {
		h.notificationError(ctx, r, w, http.StatusBadRequest, billing.Notification{}, err)
		return
	}

	transactionID := r.URL.Query().Get("tid")
	if transactionID == "" {
		h.notificationError(ctx, r, w, http.StatusBadRequest, billing.Notification{}, errors.New("missing tid parameter"))
		return
	}

	n, err := freekassa.ParseNotification(r.PostForm)
	if err != nil {
		h.notificationError(ctx, r, w, http.StatusBadRequest, n, err)
		return
	}

	outcome, err := h.processor.ProcessNotification(ctx, transactionID, n)
	if err != nil {
		h.notificationError(ctx, r, w, notificationStatus(err), n, err)
		return
	}

	result := "processed"
	if outcome.AlreadyProcessed {
		result = "already_processed"
	}
	_ = h.events.LogEvent(ctx, opensearch.Event{
		Kind:          opensearch.KindIPN,
		OrderID:       n.OrderID,
		TransactionID: outcome.TransactionID,
		ExternalID:    n.OperationID,
		Amount:        n.Amount,
		ClientIP:      middle.GetClientIP(r),
		Outcome:       result,
	})

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("YES"))
}

// Health reports service liveness
func (h *PaymentHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, "Service is healthy", map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *PaymentHandler) resolveInvoice(ctx context.Context, req CheckoutRequest) (*billing.Invoice, error) {
	if req.InvoiceHash != "" {
		return h.invoices.GetByHash(ctx, req.InvoiceHash)
	}
	return h.invoices.GetByID(ctx, req.InvoiceID)
}

func (h *PaymentHandler) notificationError(ctx context.Context, r *http.Request, w http.ResponseWriter, status int, n billing.Notification, err error) {
	_ = h.events.LogEvent(ctx, opensearch.Event{
		Kind:          opensearch.KindIPN,
		OrderID:       n.OrderID,
		TransactionID: r.URL.Query().Get("tid"),
		Amount:        n.Amount,
		ClientIP:      middle.GetClientIP(r),
		Outcome:       "rejected",
		Error:         err.Error(),
	})

	http.Error(w, err.Error(), status)
}

func notificationStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrUntrustedNotification):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrUnknownTransaction), errors.Is(err, billing.ErrUnknownInvoice):
		return http.StatusNotFound
	default:
		// Store failures: a non-YES answer makes the gateway redeliver
		return http.StatusInternalServerError
	}
}

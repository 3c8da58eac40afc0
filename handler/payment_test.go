package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbilling/freekassa/billing"
	"github.com/openbilling/freekassa/handler"
	"github.com/openbilling/freekassa/provider/freekassa"
)

type fakeStore struct {
	mu           sync.Mutex
	transactions map[string]billing.Transaction
	invoices     map[int64]billing.Invoice
	clients      map[int64]billing.Client
	credits      int
	nextTxID     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions: make(map[string]billing.Transaction),
		invoices:     make(map[int64]billing.Invoice),
		clients:      make(map[int64]billing.Client),
	}
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*billing.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (f *fakeStore) Create(ctx context.Context, tx *billing.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.ID == "" {
		f.nextTxID++
		tx.ID = fmt.Sprintf("tx-%d", f.nextTxID)
	}
	if tx.Status == "" {
		tx.Status = billing.StatusPending
	}
	f.transactions[tx.ID] = *tx
	return nil
}

func (f *fakeStore) Save(ctx context.Context, tx *billing.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[tx.ID] = *tx
	return nil
}

type fakeInvoices struct{ f *fakeStore }

func (v fakeInvoices) GetByID(ctx context.Context, id int64) (*billing.Invoice, error) {
	v.f.mu.Lock()
	defer v.f.mu.Unlock()
	inv, ok := v.f.invoices[id]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (v fakeInvoices) GetByHash(ctx context.Context, hash string) (*billing.Invoice, error) {
	v.f.mu.Lock()
	defer v.f.mu.Unlock()
	for _, inv := range v.f.invoices {
		if inv.Hash == hash {
			return &inv, nil
		}
	}
	return nil, nil
}

func (v fakeInvoices) TotalWithTax(ctx context.Context, id int64) (float64, error) {
	inv, err := v.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, billing.ErrUnknownInvoice
	}
	return inv.TotalWithTax(), nil
}

func (v fakeInvoices) PayFromCredit(ctx context.Context, id int64) (bool, error) { return false, nil }

func (v fakeInvoices) ApplyCreditBatch(ctx context.Context, clientID int64) (int, error) {
	return 0, nil
}

type fakeClients struct{ f *fakeStore }

func (v fakeClients) GetByID(ctx context.Context, id int64) (*billing.Client, error) {
	v.f.mu.Lock()
	defer v.f.mu.Unlock()
	c, ok := v.f.clients[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

type fakeLedger struct{ f *fakeStore }

func (v fakeLedger) AddFunds(ctx context.Context, clientID int64, amount float64, description string, metadata map[string]any) error {
	v.f.mu.Lock()
	defer v.f.mu.Unlock()
	v.f.credits++
	return nil
}

func newTestHandler(t *testing.T) (*handler.PaymentHandler, *fakeStore, *freekassa.Provider) {
	t.Helper()

	gateway, err := freekassa.New(map[string]string{
		"merchantId":  "100",
		"secretWord":  "S1",
		"secretWord2": "S2",
		"apiKey":      "K",
		"currency":    "USD",
	})
	require.NoError(t, err)

	store := newFakeStore()
	store.clients[7] = billing.Client{ID: 7}
	store.invoices[42] = billing.Invoice{ID: 42, ClientID: 7, Hash: "inv-hash-42", Currency: "USD", Subtotal: 10, Status: billing.InvoiceUnpaid}

	processor := billing.NewProcessor(gateway, store, fakeInvoices{store}, fakeClients{store}, fakeLedger{store})
	h := handler.NewPaymentHandler(gateway, processor, fakeInvoices{store}, store, validator.New(), nil, "https://billing.example.com")
	return h, store, gateway
}

func decodeCheckout(t *testing.T, body []byte) handler.CheckoutResponse {
	t.Helper()
	var envelope struct {
		Success bool                     `json:"success"`
		Data    handler.CheckoutResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestCreateCheckout(t *testing.T) {
	h, store, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(`{"invoiceId": 42, "email": "payer@example.com"}`))
	w := httptest.NewRecorder()
	h.CreateCheckout(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeCheckout(t, w.Body.Bytes())

	assert.Equal(t, "42", data.OrderID)
	assert.Equal(t, "10.00", data.Amount)
	assert.Equal(t, "USD", data.Currency)

	u, err := url.Parse(data.PaymentURL)
	require.NoError(t, err)
	assert.Equal(t, "pay.freekassa.com", u.Host)
	q := u.Query()
	assert.Equal(t, "100", q.Get("m"))
	assert.Equal(t, "10.00", q.Get("oa"))
	assert.Equal(t, "payer@example.com", q.Get("email"))
	assert.Contains(t, q.Get("notification_url"), "tid="+data.TransactionID)

	// A pending transaction now exists for the notification to settle
	tx := store.transactions[data.TransactionID]
	assert.Equal(t, billing.StatusPending, tx.Status)
	assert.Equal(t, int64(42), tx.InvoiceID)
}

func TestCreateCheckout_ByHash(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(`{"invoiceHash": "inv-hash-42"}`))
	w := httptest.NewRecorder()
	h.CreateCheckout(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeCheckout(t, w.Body.Bytes())
	assert.Equal(t, "42", data.OrderID)
}

func TestCreateCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "Malformed JSON", body: `{"invoiceId":`, wantStatus: http.StatusBadRequest},
		{name: "No invoice reference", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "Unknown invoice", body: `{"invoiceId": 9999}`, wantStatus: http.StatusNotFound},
		{name: "Invalid email", body: `{"invoiceId": 42, "email": "nope"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(t)
			req := httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.CreateCheckout(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestCreateCheckout_PaidInvoice(t *testing.T) {
	h, store, _ := newTestHandler(t)
	inv := store.invoices[42]
	inv.Status = billing.InvoicePaid
	store.invoices[42] = inv

	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(`{"invoiceId": 42}`))
	w := httptest.NewRecorder()
	h.CreateCheckout(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func ipnRequest(gateway *freekassa.Provider, tid, amount, orderID string) *http.Request {
	form := url.Values{}
	form.Set("AMOUNT", amount)
	form.Set("MERCHANT_ORDER_ID", orderID)
	form.Set("intid", "778899")
	form.Set("SIGN", string(gateway.SignNotification(amount, orderID)))

	req := httptest.NewRequest(http.MethodPost, "/callback/freekassa?tid="+tid, bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandleNotification(t *testing.T) {
	h, store, gateway := newTestHandler(t)
	store.transactions["tx-1"] = billing.Transaction{ID: "tx-1", InvoiceID: 42, Status: billing.StatusPending}

	w := httptest.NewRecorder()
	h.HandleNotification(w, ipnRequest(gateway, "tx-1", "10.00", "42"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "YES", w.Body.String())

	tx := store.transactions["tx-1"]
	assert.Equal(t, billing.StatusProcessed, tx.Status)
	assert.Equal(t, "778899", tx.ExternalID)
	assert.Equal(t, 1, store.credits)
}

func TestHandleNotification_Redelivery(t *testing.T) {
	h, store, gateway := newTestHandler(t)
	store.transactions["tx-1"] = billing.Transaction{ID: "tx-1", InvoiceID: 42, Status: billing.StatusPending}

	first := httptest.NewRecorder()
	h.HandleNotification(first, ipnRequest(gateway, "tx-1", "10.00", "42"))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.HandleNotification(second, ipnRequest(gateway, "tx-1", "10.00", "42"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "YES", second.Body.String())

	assert.Equal(t, 1, store.credits)
}

func TestHandleNotification_Errors(t *testing.T) {
	h, store, gateway := newTestHandler(t)
	store.transactions["tx-1"] = billing.Transaction{ID: "tx-1", InvoiceID: 42, Status: billing.StatusPending}

	t.Run("Missing tid", func(t *testing.T) {
		req := ipnRequest(gateway, "", "10.00", "42")
		w := httptest.NewRecorder()
		h.HandleNotification(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Tampered signature", func(t *testing.T) {
		form := url.Values{}
		form.Set("AMOUNT", "99.00")
		form.Set("MERCHANT_ORDER_ID", "42")
		form.Set("SIGN", string(gateway.SignNotification("10.00", "42")))
		req := httptest.NewRequest(http.MethodPost, "/callback/freekassa?tid=tx-1", bytes.NewBufferString(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		w := httptest.NewRecorder()
		h.HandleNotification(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, billing.StatusPending, store.transactions["tx-1"].Status)
		assert.Equal(t, 0, store.credits)
	})

	t.Run("Unknown transaction", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleNotification(w, ipnRequest(gateway, "tx-missing", "10.00", "42"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Unknown invoice", func(t *testing.T) {
		store.transactions["tx-2"] = billing.Transaction{ID: "tx-2", Status: billing.StatusPending}
		w := httptest.NewRecorder()
		h.HandleNotification(w, ipnRequest(gateway, "tx-2", "10.00", "7777"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

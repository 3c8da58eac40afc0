package sqlite

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbilling/freekassa/billing"
	"github.com/openbilling/freekassa/provider/freekassa"
)

// Full settlement flow over the real store: a verified notification settles
// the transaction, credits the ledger and pays the invoice from the fresh
// credit, and a redelivery is a no-op.
func TestSettlementFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gateway, err := freekassa.New(map[string]string{
		"merchantId":  "100",
		"secretWord":  "S1",
		"secretWord2": "S2",
		"apiKey":      "K",
		"currency":    "USD",
	})
	require.NoError(t, err)

	client, invoice := seedClientWithInvoice(t, store, 0, 10, 0)

	tx := &billing.Transaction{InvoiceID: invoice.ID}
	require.NoError(t, store.Transactions().Create(ctx, tx))

	processor := billing.NewProcessor(gateway, store.Transactions(), store.Invoices(), store.Clients(), store.Ledger())

	orderID := strconv.FormatInt(invoice.ID, 10)
	n := billing.Notification{
		Amount:      "10.00",
		OrderID:     orderID,
		OperationID: "778899",
		Signature:   string(gateway.SignNotification("10.00", orderID)),
	}

	outcome, err := processor.ProcessNotification(ctx, tx.ID, n)
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyProcessed)
	assert.Equal(t, client.ID, outcome.ClientID)

	settled, err := store.Transactions().GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusProcessed, settled.Status)
	assert.Equal(t, "778899", settled.ExternalID)

	// The credit paid the invoice right back down to a zero balance
	paidInvoice, err := store.Invoices().GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, paidInvoice.Status)

	loadedClient, err := store.Clients().GetByID(ctx, client.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, loadedClient.Balance, 1e-9)

	entries, err := store.LedgerEntries(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2) // credit from the gateway, debit to the invoice

	// Redelivery: no new ledger movement
	again, err := processor.ProcessNotification(ctx, tx.ID, n)
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)

	entries, err = store.LedgerEntries(ctx, client.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// Package sqlite provides SQLite-backed implementations of the billing
// store capabilities.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openbilling/freekassa/billing"
)

// Store owns one SQLite database holding clients, invoices, transactions
// and the client ledger.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the billing database at dbPath and bootstraps the
// schema. The connection is tuned for concurrent access from the checkout
// flow and the notification callback.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=20000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Invoices returns the invoice capability view of the store.
func (s *Store) Invoices() billing.InvoiceStore { return invoiceStore{s} }

// Transactions returns the transaction capability view of the store.
func (s *Store) Transactions() billing.TransactionStore { return transactionStore{s} }

// Clients returns the client capability view of the store.
func (s *Store) Clients() billing.ClientStore { return clientStore{s} }

// Ledger returns the ledger capability view of the store.
func (s *Store) Ledger() billing.Ledger { return ledgerStore{s} }

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT,
		balance REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id),
		hash TEXT NOT NULL UNIQUE,
		currency TEXT NOT NULL,
		subtotal REAL NOT NULL,
		tax_rate REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unpaid',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		invoice_id INTEGER REFERENCES invoices(id),
		status TEXT NOT NULL DEFAULT 'pending',
		external_id TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id),
		amount REAL NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_client_status ON invoices(client_id, status);
	CREATE INDEX IF NOT EXISTS idx_ledger_client ON ledger_entries(client_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// retryOperation executes a database operation with retry logic for
// SQLITE_BUSY errors.
func (s *Store) retryOperation(operation func() error, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
			lastErr = err
			if attempt < maxRetries {
				backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
				log.Printf("SQLite busy, retrying in %v (attempt %d/%d)", backoff, attempt+1, maxRetries+1)
				time.Sleep(backoff)
				continue
			}
		} else {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", maxRetries+1, lastErr)
}

// Seeding operations, used by order creation and tests.

// CreateClient inserts a client and fills its id.
func (s *Store) CreateClient(ctx context.Context, c *billing.Client) error {
	return s.retryOperation(func() error {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO clients (email, balance) VALUES (?, ?)", c.Email, c.Balance)
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}
		c.ID, err = res.LastInsertId()
		return err
	}, 3)
}

// CreateInvoice inserts an invoice and fills its id. An empty hash gets a
// generated one.
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv.Hash == "" {
		inv.Hash = uuid.New().String()
	}
	if inv.Status == "" {
		inv.Status = billing.InvoiceUnpaid
	}
	return s.retryOperation(func() error {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO invoices (client_id, hash, currency, subtotal, tax_rate, status) VALUES (?, ?, ?, ?, ?, ?)",
			inv.ClientID, inv.Hash, inv.Currency, inv.Subtotal, inv.TaxRate, inv.Status)
		if err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		inv.ID, err = res.LastInsertId()
		return err
	}, 3)
}

// Invoice operations

func (s *Store) getInvoice(ctx context.Context, where string, arg any) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, client_id, hash, currency, subtotal, tax_rate, status FROM invoices WHERE "+where, arg)

	var inv billing.Invoice
	err := row.Scan(&inv.ID, &inv.ClientID, &inv.Hash, &inv.Currency, &inv.Subtotal, &inv.TaxRate, &inv.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	return &inv, nil
}

// payInvoiceFromCredit settles the invoice from the client balance inside a
// single SQL transaction: balance deduction, status flip and the ledger
// entry commit or roll back together.
func (s *Store) payInvoiceFromCredit(ctx context.Context, id int64) (bool, error) {
	paid := false
	err := s.retryOperation(func() error {
		paid = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var clientID int64
		var subtotal, taxRate float64
		var status string
		err = tx.QueryRowContext(ctx,
			"SELECT client_id, subtotal, tax_rate, status FROM invoices WHERE id = ?", id).
			Scan(&clientID, &subtotal, &taxRate, &status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", billing.ErrUnknownInvoice, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load invoice %d: %w", id, err)
		}

		if billing.InvoiceStatus(status) == billing.InvoicePaid {
			return nil
		}

		var balance float64
		if err := tx.QueryRowContext(ctx, "SELECT balance FROM clients WHERE id = ?", clientID).Scan(&balance); err != nil {
			return fmt.Errorf("failed to load client %d: %w", clientID, err)
		}

		total := subtotal * (1 + taxRate/100)
		if balance+1e-9 < total {
			return nil
		}

		if _, err := tx.ExecContext(ctx, "UPDATE clients SET balance = balance - ? WHERE id = ?", total, clientID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE invoices SET status = ? WHERE id = ?", billing.InvoicePaid, id); err != nil {
			return err
		}

		metadata, _ := json.Marshal(map[string]any{"type": "invoice", "rel_id": id})
		description := fmt.Sprintf("Applied credit to invoice #%d", id)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO ledger_entries (client_id, amount, description, metadata) VALUES (?, ?, ?, ?)",
			clientID, -total, description, string(metadata)); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		paid = true
		return nil
	}, 3)
	return paid, err
}

func (s *Store) applyCreditBatch(ctx context.Context, clientID int64) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM invoices WHERE client_id = ? AND status = ? ORDER BY id ASC", clientID, billing.InvoiceUnpaid)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpaid invoices for client %d: %w", clientID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		paid, err := s.payInvoiceFromCredit(ctx, id)
		if err != nil {
			return settled, err
		}
		if paid {
			settled++
		}
	}
	return settled, nil
}

// Transaction operations

func (s *Store) getTransaction(ctx context.Context, id string) (*billing.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, COALESCE(invoice_id, 0), status, external_id, amount, created_at, updated_at FROM transactions WHERE id = ?", id)

	var tx billing.Transaction
	err := row.Scan(&tx.ID, &tx.InvoiceID, &tx.Status, &tx.ExternalID, &tx.Amount, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *Store) createTransaction(ctx context.Context, tx *billing.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = billing.StatusPending
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = now
	}

	return s.retryOperation(func() error {
		var invoiceID any
		if tx.InvoiceID != 0 {
			invoiceID = tx.InvoiceID
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO transactions (id, invoice_id, status, external_id, amount, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			tx.ID, invoiceID, tx.Status, tx.ExternalID, tx.Amount, tx.CreatedAt, tx.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create transaction %s: %w", tx.ID, err)
		}
		return nil
	}, 3)
}

// saveTransaction persists the settled fields. A processed write is a
// conditional pending-to-processed transition so a concurrent redelivery in
// another process cannot settle the same transaction twice.
func (s *Store) saveTransaction(ctx context.Context, tx *billing.Transaction) error {
	return s.retryOperation(func() error {
		query := "UPDATE transactions SET invoice_id = ?, status = ?, external_id = ?, amount = ?, updated_at = ? WHERE id = ?"
		args := []any{tx.InvoiceID, tx.Status, tx.ExternalID, tx.Amount, tx.UpdatedAt, tx.ID}
		if tx.Status == billing.StatusProcessed {
			query += " AND status = ?"
			args = append(args, billing.StatusPending)
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			existing, err := s.getTransaction(ctx, tx.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: %s", billing.ErrUnknownTransaction, tx.ID)
			}
			return fmt.Errorf("%w: %s", billing.ErrStaleTransaction, tx.ID)
		}
		return nil
	}, 3)
}

// Client and ledger operations

func (s *Store) getClient(ctx context.Context, id int64) (*billing.Client, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, COALESCE(email, ''), balance FROM clients WHERE id = ?", id)

	var c billing.Client
	err := row.Scan(&c.ID, &c.Email, &c.Balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client %d: %w", id, err)
	}
	return &c, nil
}

// addFunds records the ledger entry and moves the balance in one SQL
// transaction.
func (s *Store) addFunds(ctx context.Context, clientID int64, amount float64, description string, metadata map[string]any) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return s.retryOperation(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, "UPDATE clients SET balance = balance + ? WHERE id = ?", amount, clientID)
		if err != nil {
			return fmt.Errorf("failed to update balance for client %d: %w", clientID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("client %d not found", clientID)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO ledger_entries (client_id, amount, description, metadata) VALUES (?, ?, ?, ?)",
			clientID, amount, description, string(metadataJSON)); err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		return tx.Commit()
	}, 3)
}

// LedgerEntries lists a client's ledger movements, newest first.
func (s *Store) LedgerEntries(ctx context.Context, clientID int64) ([]billing.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, client_id, amount, description, metadata, created_at FROM ledger_entries WHERE client_id = ? ORDER BY id DESC", clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.LedgerEntry
	for rows.Next() {
		var e billing.LedgerEntry
		var metadataJSON string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Amount, &e.Description, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Capability views

type invoiceStore struct{ s *Store }

func (v invoiceStore) GetByID(ctx context.Context, id int64) (*billing.Invoice, error) {
	return v.s.getInvoice(ctx, "id = ?", id)
}

func (v invoiceStore) GetByHash(ctx context.Context, hash string) (*billing.Invoice, error) {
	return v.s.getInvoice(ctx, "hash = ?", hash)
}

func (v invoiceStore) TotalWithTax(ctx context.Context, id int64) (float64, error) {
	inv, err := v.s.getInvoice(ctx, "id = ?", id)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, fmt.Errorf("%w: %d", billing.ErrUnknownInvoice, id)
	}
	return inv.TotalWithTax(), nil
}

func (v invoiceStore) PayFromCredit(ctx context.Context, id int64) (bool, error) {
	return v.s.payInvoiceFromCredit(ctx, id)
}

func (v invoiceStore) ApplyCreditBatch(ctx context.Context, clientID int64) (int, error) {
	return v.s.applyCreditBatch(ctx, clientID)
}

type transactionStore struct{ s *Store }

func (v transactionStore) GetByID(ctx context.Context, id string) (*billing.Transaction, error) {
	return v.s.getTransaction(ctx, id)
}

func (v transactionStore) Create(ctx context.Context, tx *billing.Transaction) error {
	return v.s.createTransaction(ctx, tx)
}

func (v transactionStore) Save(ctx context.Context, tx *billing.Transaction) error {
	return v.s.saveTransaction(ctx, tx)
}

type clientStore struct{ s *Store }

func (v clientStore) GetByID(ctx context.Context, id int64) (*billing.Client, error) {
	return v.s.getClient(ctx, id)
}

type ledgerStore struct{ s *Store }

func (v ledgerStore) AddFunds(ctx context.Context, clientID int64, amount float64, description string, metadata map[string]any) error {
	return v.s.addFunds(ctx, clientID, amount, description, metadata)
}

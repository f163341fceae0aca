package bank

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

var (
	ErrAccountExists        = errors.New("bank: account already exists")
	ErrAccountNotFound      = errors.New("bank: account not found")
	ErrInsufficientFunds    = errors.New("bank: insufficient funds")
	ErrEscrowAlreadyLocked  = errors.New("bank: escrow already locked with a different amount")
	ErrEscrowAlreadyResolved = errors.New("bank: escrow already resolved")
	ErrEscrowNotFound       = errors.New("bank: escrow not found")
	ErrPayloadMismatch      = errors.New("bank: reference reused with a different amount")
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL CHECK (balance >= 0),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	tx_id         TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(account_id),
	type          TEXT NOT NULL,
	amount        INTEGER NOT NULL CHECK (amount > 0),
	balance_after INTEGER NOT NULL,
	reference     TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	UNIQUE (account_id, reference)
);

CREATE TABLE IF NOT EXISTS escrows (
	escrow_id        TEXT PRIMARY KEY,
	payer_account_id TEXT NOT NULL REFERENCES accounts(account_id),
	amount           INTEGER NOT NULL CHECK (amount > 0),
	task_id          TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	resolved_at      TEXT,
	UNIQUE (payer_account_id, task_id)
);
`

// Schema returns the DDL this repository expects, for sqlitedb.Migrate.
func Schema() string { return schema }

// Repository is the ledger's storage boundary; every mutating method is
// transactional and CAS-guarded the way the teacher's
// agreement.StatusService.Transition guards status flips, translated from
// pgx's tx.Exec/QueryRow to database/sql.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, accountID string, initialBalance int64) (Account, error) {
	acct := Account{AccountID: accountID, Balance: initialBalance, CreatedAt: time.Now().UTC()}
	const insertSQL = `INSERT INTO accounts (account_id, balance, created_at) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, insertSQL, acct.AccountID, acct.Balance, acct.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("bank: create account: %w", err)
	}
	return acct, nil
}

func (r *Repository) GetAccount(ctx context.Context, accountID string) (Account, error) {
	const selectSQL = `SELECT account_id, balance, created_at FROM accounts WHERE account_id = ?`
	var (
		a         Account
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, selectSQL, accountID).Scan(&a.AccountID, &a.Balance, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("bank: get account: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Account{}, fmt.Errorf("bank: parse created_at: %w", err)
	}
	return a, nil
}

func (r *Repository) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	const selectSQL = `SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp FROM transactions WHERE account_id = ? ORDER BY timestamp ASC`
	rows, err := r.db.QueryContext(ctx, selectSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("bank: list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionRow(row rowScanner) (Transaction, error) {
	var (
		tx        Transaction
		txType    string
		timestamp string
	)
	if err := row.Scan(&tx.TxID, &tx.AccountID, &txType, &tx.Amount, &tx.BalanceAfter, &tx.Reference, &timestamp); err != nil {
		return Transaction{}, fmt.Errorf("bank: scan transaction: %w", err)
	}
	tx.Type = TxType(txType)
	var err error
	tx.Timestamp, err = time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return Transaction{}, fmt.Errorf("bank: parse timestamp: %w", err)
	}
	return tx, nil
}

// Credit applies an idempotent credit to accountID. Same (account,
// reference, amount) is a no-op returning the original transaction;
// differing amount is ErrPayloadMismatch (spec.md §4.2).
func (r *Repository) Credit(ctx context.Context, accountID string, amount int64, reference string) (Transaction, error) {
	tx, err := sqlitedb.BeginImmediate(ctx, r.db)
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback()

	existing, err := findTxByReference(ctx, tx, accountID, reference)
	if err != nil {
		return Transaction{}, err
	}
	if existing != nil {
		if existing.Amount == amount {
			return *existing, tx.Commit()
		}
		return Transaction{}, ErrPayloadMismatch
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrAccountNotFound
		}
		return Transaction{}, fmt.Errorf("bank: credit: lookup account: %w", err)
	}

	newBalance := balance + amount
	result, err := applyCreditTx(ctx, tx, accountID, amount, newBalance, reference)
	if err != nil {
		return Transaction{}, err
	}
	return result, tx.Commit()
}

func findTxByReference(ctx context.Context, tx *sql.Tx, accountID, reference string) (*Transaction, error) {
	const selectSQL = `SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp FROM transactions WHERE account_id = ? AND reference = ?`
	row := tx.QueryRowContext(ctx, selectSQL, accountID, reference)
	t, err := scanTransactionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func applyCreditTx(ctx context.Context, tx *sql.Tx, accountID string, amount, newBalance int64, reference string) (Transaction, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE account_id = ?`, newBalance, accountID); err != nil {
		return Transaction{}, fmt.Errorf("bank: credit: update balance: %w", err)
	}
	t := Transaction{
		TxID:         "tx-" + uuid.NewString(),
		AccountID:    accountID,
		Type:         TxCredit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Reference:    reference,
		Timestamp:    time.Now().UTC(),
	}
	const insertSQL = `INSERT INTO transactions (tx_id, account_id, type, amount, balance_after, reference, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, insertSQL, t.TxID, t.AccountID, string(t.Type), t.Amount, t.BalanceAfter, t.Reference, t.Timestamp.Format(time.RFC3339))
	if err != nil {
		return Transaction{}, fmt.Errorf("bank: credit: insert transaction: %w", err)
	}
	return t, nil
}

// LockEscrow debits payerAccountID by amount and inserts an escrow row in
// one BEGIN IMMEDIATE transaction. Idempotent on (payer, task_id): same
// amount returns the existing row, differing amount is
// ErrEscrowAlreadyLocked (spec.md §4.2).
func (r *Repository) LockEscrow(ctx context.Context, payerAccountID, taskID string, amount int64) (Escrow, error) {
	tx, err := sqlitedb.BeginImmediate(ctx, r.db)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()

	existing, err := findEscrowByPayerTask(ctx, tx, payerAccountID, taskID)
	if err != nil {
		return Escrow{}, err
	}
	if existing != nil {
		if existing.Amount == amount {
			return *existing, tx.Commit()
		}
		return Escrow{}, ErrEscrowAlreadyLocked
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, payerAccountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, ErrAccountNotFound
		}
		return Escrow{}, fmt.Errorf("bank: lock escrow: lookup account: %w", err)
	}
	if balance < amount {
		return Escrow{}, ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance - ? WHERE account_id = ?`, amount, payerAccountID); err != nil {
		return Escrow{}, fmt.Errorf("bank: lock escrow: debit: %w", err)
	}

	escrow := Escrow{
		EscrowID:       "esc-" + uuid.NewString(),
		PayerAccountID: payerAccountID,
		Amount:         amount,
		TaskID:         taskID,
		Status:         EscrowLocked,
		CreatedAt:      time.Now().UTC(),
	}
	const insertSQL = `INSERT INTO escrows (escrow_id, payer_account_id, amount, task_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insertSQL, escrow.EscrowID, escrow.PayerAccountID, escrow.Amount, escrow.TaskID, string(escrow.Status), escrow.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Escrow{}, fmt.Errorf("bank: lock escrow: insert: %w", err)
	}
	return escrow, tx.Commit()
}

func findEscrowByPayerTask(ctx context.Context, tx *sql.Tx, payerAccountID, taskID string) (*Escrow, error) {
	const selectSQL = `SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at FROM escrows WHERE payer_account_id = ? AND task_id = ?`
	e, err := scanEscrowRow(tx.QueryRowContext(ctx, selectSQL, payerAccountID, taskID))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func scanEscrowRow(row *sql.Row) (Escrow, error) {
	var (
		e          Escrow
		status     string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := row.Scan(&e.EscrowID, &e.PayerAccountID, &e.Amount, &e.TaskID, &status, &createdAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, ErrEscrowNotFound
		}
		return Escrow{}, fmt.Errorf("bank: scan escrow: %w", err)
	}
	e.Status = EscrowStatus(status)
	e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Escrow{}, fmt.Errorf("bank: parse created_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339, resolvedAt.String)
		if err != nil {
			return Escrow{}, fmt.Errorf("bank: parse resolved_at: %w", err)
		}
		e.ResolvedAt = &t
	}
	return e, nil
}

func (r *Repository) GetEscrow(ctx context.Context, escrowID string) (Escrow, error) {
	const selectSQL = `SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at FROM escrows WHERE escrow_id = ?`
	return scanEscrowRow(r.db.QueryRowContext(ctx, selectSQL, escrowID))
}

// ReleaseEscrow performs the status=locked->released compare-and-set and
// credits recipientAccountID with the full escrow amount, all inside one
// transaction (spec.md §4.2).
func (r *Repository) ReleaseEscrow(ctx context.Context, escrowID, recipientAccountID, reference string) (Escrow, error) {
	tx, err := sqlitedb.BeginImmediate(ctx, r.db)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()

	escrow, err := lockEscrowRowForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if escrow.Status != EscrowLocked {
		return Escrow{}, ErrEscrowAlreadyResolved
	}

	resolvedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE escrows SET status = ?, resolved_at = ? WHERE escrow_id = ? AND status = ?`,
		string(EscrowReleased), resolvedAt.Format(time.RFC3339), escrowID, string(EscrowLocked))
	if err != nil {
		return Escrow{}, fmt.Errorf("bank: release escrow: update: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Escrow{}, ErrEscrowAlreadyResolved
	}

	var recipientBalance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, recipientAccountID).Scan(&recipientBalance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, ErrAccountNotFound
		}
		return Escrow{}, fmt.Errorf("bank: release escrow: lookup recipient: %w", err)
	}
	if _, err := applyCreditTx(ctx, tx, recipientAccountID, escrow.Amount, recipientBalance+escrow.Amount, reference); err != nil {
		return Escrow{}, err
	}

	escrow.Status = EscrowReleased
	escrow.ResolvedAt = &resolvedAt
	return escrow, tx.Commit()
}

// SplitEscrow performs the status=locked->split compare-and-set and credits
// both the worker and poster accounts so the two pieces sum exactly to the
// locked amount (spec.md §4.2).
func (r *Repository) SplitEscrow(ctx context.Context, escrowID, posterAccountID, workerAccountID string, workerPct int, reference string) (Escrow, error) {
	tx, err := sqlitedb.BeginImmediate(ctx, r.db)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()

	escrow, err := lockEscrowRowForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if escrow.Status != EscrowLocked {
		return Escrow{}, ErrEscrowAlreadyResolved
	}

	resolvedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE escrows SET status = ?, resolved_at = ? WHERE escrow_id = ? AND status = ?`,
		string(EscrowSplit), resolvedAt.Format(time.RFC3339), escrowID, string(EscrowLocked))
	if err != nil {
		return Escrow{}, fmt.Errorf("bank: split escrow: update: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Escrow{}, ErrEscrowAlreadyResolved
	}

	workerAmount := escrow.Amount * int64(workerPct) / 100
	posterAmount := escrow.Amount - workerAmount

	if workerAmount > 0 {
		var workerBalance int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, workerAccountID).Scan(&workerBalance); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Escrow{}, ErrAccountNotFound
			}
			return Escrow{}, fmt.Errorf("bank: split escrow: lookup worker: %w", err)
		}
		if _, err := applyCreditTx(ctx, tx, workerAccountID, workerAmount, workerBalance+workerAmount, reference+":worker"); err != nil {
			return Escrow{}, err
		}
	}
	if posterAmount > 0 {
		var posterBalance int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, posterAccountID).Scan(&posterBalance); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Escrow{}, ErrAccountNotFound
			}
			return Escrow{}, fmt.Errorf("bank: split escrow: lookup poster: %w", err)
		}
		if _, err := applyCreditTx(ctx, tx, posterAccountID, posterAmount, posterBalance+posterAmount, reference+":poster"); err != nil {
			return Escrow{}, err
		}
	}

	escrow.Status = EscrowSplit
	escrow.ResolvedAt = &resolvedAt
	return escrow, tx.Commit()
}

func lockEscrowRowForUpdate(ctx context.Context, tx *sql.Tx, escrowID string) (Escrow, error) {
	const selectSQL = `SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at FROM escrows WHERE escrow_id = ?`
	return scanEscrowRow(tx.QueryRowContext(ctx, selectSQL, escrowID))
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

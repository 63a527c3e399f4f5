// ABOUTME: Durable sales outbox for the SQLite store
// ABOUTME: Creates queued sales and applies the queued/synced/failed transitions

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// saleColumns returns the select list for queued_sales. Optional columns whose
// migration failed are substituted with their defaults.
func (s *SQLiteStore) saleColumns() string {
	userID := "user_id"
	if !s.hasColumn("queued_sales", "user_id") {
		userID = "0 AS user_id"
	}
	key := "idempotency_key"
	if !s.hasColumn("queued_sales", "idempotency_key") {
		key = "NULL AS idempotency_key"
	}
	return strings.Join([]string{
		"local_id", key, "account_id", "branch_id", userID, "customer_id",
		"items_json", "payments_json", "subtotal", "tax", "discount", "total",
		"payment_status", "notes", "fiscal_number", "fiscal_document_id", "created_at",
		"sync_status", "server_sale_id", "sync_attempted_at", "sync_error", "retry_count",
	}, ", ")
}

// CreateSale persists a sale as queued and returns its new local id.
// The row is committed before this returns, ahead of any network activity.
// A sale without an idempotency key is given a new random one.
func (s *SQLiteStore) CreateSale(ctx context.Context, sale *QueuedSale) (int64, error) {
	if sale == nil {
		return 0, fmt.Errorf("%w: sale is nil", ErrInvalidArgument)
	}
	if len(sale.Items) == 0 {
		return 0, fmt.Errorf("%w: sale has no items", ErrInvalidArgument)
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return 0, fmt.Errorf("encoding sale items: %w", err)
	}
	payments := sale.Payments
	if payments == nil {
		payments = []SalePayment{}
	}
	paymentsJSON, err := json.Marshal(payments)
	if err != nil {
		return 0, fmt.Errorf("encoding sale payments: %w", err)
	}

	createdAt := sale.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	cols := []string{
		"account_id", "branch_id", "customer_id", "items_json", "payments_json",
		"subtotal", "tax", "discount", "total", "payment_status", "notes",
		"fiscal_number", "fiscal_document_id", "created_at", "sync_status", "retry_count",
	}
	args := []any{
		sale.AccountID, sale.BranchID, nullInt64(sale.CustomerID), string(itemsJSON), string(paymentsJSON),
		sale.Subtotal, sale.Tax, sale.Discount, sale.Total, sale.PaymentStatus, nullString(sale.Notes),
		nullStringPtr(sale.FiscalNumber), nullStringPtr(sale.FiscalDocumentID), formatTime(createdAt),
		string(SaleStatusQueued), 0,
	}
	if s.hasColumn("queued_sales", "user_id") {
		cols = append(cols, "user_id")
		args = append(args, sale.UserID)
	}
	if s.hasColumn("queued_sales", "idempotency_key") {
		key := sale.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		cols = append(cols, "idempotency_key")
		args = append(args, key)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_sales (`+strings.Join(cols, ", ")+`) VALUES (`+placeholders(len(cols))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting queued sale: %w", err)
	}
	localID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading local id: %w", err)
	}

	s.logger.Info("queued sale", "local_id", localID, "total", sale.Total, "items", len(sale.Items))
	return localID, nil
}

// GetSale retrieves a queued sale by local id.
// Returns ErrNotFound if the sale doesn't exist.
func (s *SQLiteStore) GetSale(ctx context.Context, localID int64) (*QueuedSale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+s.saleColumns()+` FROM queued_sales WHERE local_id = ?`, localID)
	if err != nil {
		return nil, fmt.Errorf("querying sale: %w", err)
	}
	sales, err := scanSales(rows)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, ErrNotFound
	}
	return sales[0], nil
}

// GetQueuedSales returns every queued sale, oldest first.
func (s *SQLiteStore) GetQueuedSales(ctx context.Context) ([]*QueuedSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+s.saleColumns()+`
		FROM queued_sales
		WHERE sync_status = ?
		ORDER BY created_at ASC, local_id ASC
	`, string(SaleStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("querying queued sales: %w", err)
	}
	return scanSales(rows)
}

// GetQueuedSalesCount returns the number of sales still waiting for delivery.
func (s *SQLiteStore) GetQueuedSalesCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_sales WHERE sync_status = ?`, string(SaleStatusQueued),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued sales: %w", err)
	}
	return n, nil
}

// MarkSaleAsSynced moves a queued sale to the terminal synced state and clears any error.
// Repeating the call with the same server id is a no-op. A failed sale must be
// requeued first.
func (s *SQLiteStore) MarkSaleAsSynced(ctx context.Context, localID, serverSaleID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_sales
		SET sync_status = ?, server_sale_id = ?, sync_error = NULL, sync_attempted_at = ?
		WHERE local_id = ? AND sync_status = ?
	`, string(SaleStatusSynced), serverSaleID, formatTime(s.now()), localID, string(SaleStatusQueued))
	if err != nil {
		return fmt.Errorf("marking sale synced: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Info("sale synced", "local_id", localID, "server_sale_id", serverSaleID)
		return nil
	}

	status, serverID, err := s.saleState(ctx, localID)
	if err != nil {
		return err
	}
	if status != SaleStatusSynced {
		return fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, localID, status)
	}
	if serverID != nil && *serverID == serverSaleID {
		return nil
	}
	return fmt.Errorf("%w: sale %d already synced as %v", ErrInvalidTransition, localID, derefInt64(serverID))
}

// MarkSaleAsFailed records a delivery failure. The sale stays eligible for retry.
func (s *SQLiteStore) MarkSaleAsFailed(ctx context.Context, localID int64, syncErr string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_sales
		SET sync_status = ?, sync_error = ?, sync_attempted_at = ?
		WHERE local_id = ? AND sync_status IN (?, ?)
	`, string(SaleStatusFailed), syncErr, formatTime(s.now()), localID,
		string(SaleStatusQueued), string(SaleStatusFailed))
	if err != nil {
		return fmt.Errorf("marking sale failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Warn("sale sync failed", "local_id", localID, "error", syncErr)
		return nil
	}
	return s.transitionError(ctx, localID)
}

// UpdateSaleRetryCount increments the attempt counter without touching sync_status.
func (s *SQLiteStore) UpdateSaleRetryCount(ctx context.Context, localID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_sales
		SET retry_count = retry_count + 1, sync_attempted_at = ?
		WHERE local_id = ?
	`, formatTime(s.now()), localID)
	if err != nil {
		return fmt.Errorf("updating retry count: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueSale moves a failed sale back to queued regardless of its retry count.
func (s *SQLiteStore) RequeueSale(ctx context.Context, localID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queued_sales SET sync_status = ? WHERE local_id = ? AND sync_status = ?`,
		string(SaleStatusQueued), localID, string(SaleStatusFailed))
	if err != nil {
		return fmt.Errorf("requeueing sale: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	return s.transitionError(ctx, localID)
}

// RequeueFailedSales moves failed sales with fewer than maxRetries attempts back to queued.
// A maxRetries of 0 or less means no cap.
func (s *SQLiteStore) RequeueFailedSales(ctx context.Context, maxRetries int) (int, error) {
	query := `UPDATE queued_sales SET sync_status = ? WHERE sync_status = ?`
	args := []any{string(SaleStatusQueued), string(SaleStatusFailed)}
	if maxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, maxRetries)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeueing failed sales: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("requeued failed sales", "count", n)
	}
	return int(n), nil
}

// SetSaleFiscal stores the fiscal receipt identifiers returned by the printer.
func (s *SQLiteStore) SetSaleFiscal(ctx context.Context, localID int64, fiscalNumber, fiscalDocumentID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queued_sales SET fiscal_number = ?, fiscal_document_id = ? WHERE local_id = ?`,
		nullString(fiscalNumber), nullString(fiscalDocumentID), localID)
	if err != nil {
		return fmt.Errorf("setting sale fiscal data: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FixOldSalesUserID assigns userID to sales recorded before user tracking
// (user_id 0 or NULL). Other rows are not touched.
func (s *SQLiteStore) FixOldSalesUserID(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
	}
	if !s.hasColumn("queued_sales", "user_id") {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE queued_sales SET user_id = ? WHERE user_id IS NULL OR user_id = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("fixing sale user ids: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Info("reassigned legacy sales", "user_id", userID, "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) saleState(ctx context.Context, localID int64) (SaleStatus, *int64, error) {
	var status string
	var serverID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_status, server_sale_id FROM queued_sales WHERE local_id = ?`, localID,
	).Scan(&status, &serverID)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("querying sale state: %w", err)
	}
	if serverID.Valid {
		id := serverID.Int64
		return SaleStatus(status), &id, nil
	}
	return SaleStatus(status), nil, nil
}

// transitionError explains why a guarded update touched no rows
func (s *SQLiteStore) transitionError(ctx context.Context, localID int64) error {
	status, _, err := s.saleState(ctx, localID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, localID, status)
}

func scanSales(rows *sql.Rows) ([]*QueuedSale, error) {
	defer rows.Close()

	var sales []*QueuedSale
	for rows.Next() {
		var sale QueuedSale
		var key, notes, fiscalNumber, fiscalDocID, attemptedAt, syncErr sql.NullString
		var userID, customerID, serverID sql.NullInt64
		var itemsJSON, paymentsJSON, createdAt, status string

		if err := rows.Scan(
			&sale.LocalID, &key, &sale.AccountID, &sale.BranchID, &userID, &customerID,
			&itemsJSON, &paymentsJSON, &sale.Subtotal, &sale.Tax, &sale.Discount, &sale.Total,
			&sale.PaymentStatus, &notes, &fiscalNumber, &fiscalDocID, &createdAt,
			&status, &serverID, &attemptedAt, &syncErr, &sale.RetryCount,
		); err != nil {
			return nil, fmt.Errorf("scanning sale row: %w", err)
		}

		if err := json.Unmarshal([]byte(itemsJSON), &sale.Items); err != nil {
			return nil, fmt.Errorf("decoding items of sale %d: %w", sale.LocalID, err)
		}
		if err := json.Unmarshal([]byte(paymentsJSON), &sale.Payments); err != nil {
			return nil, fmt.Errorf("decoding payments of sale %d: %w", sale.LocalID, err)
		}

		sale.IdempotencyKey = key.String
		sale.UserID = userID.Int64
		sale.Notes = notes.String
		sale.SyncError = syncErr.String
		sale.SyncStatus = SaleStatus(status)
		if customerID.Valid {
			id := customerID.Int64
			sale.CustomerID = &id
		}
		if serverID.Valid {
			id := serverID.Int64
			sale.ServerSaleID = &id
		}
		if fiscalNumber.Valid {
			v := fiscalNumber.String
			sale.FiscalNumber = &v
		}
		if fiscalDocID.Valid {
			v := fiscalDocID.String
			sale.FiscalDocumentID = &v
		}

		var err error
		sale.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing sale created_at: %w", err)
		}
		sale.SyncAttemptedAt, err = parseNullTime(attemptedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing sale sync_attempted_at: %w", err)
		}

		sales = append(sales, &sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sale rows: %w", err)
	}
	return sales, nil
}

func nullStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

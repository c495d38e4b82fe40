package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
)

type TransactionRepository struct {
	client *ScyllaClient
}

func NewTransactionRepository(client *ScyllaClient) *TransactionRepository {
	return &TransactionRepository{client: client}
}

func transactionValues(tx *models.Transaction) []interface{} {
	return []interface{}{
		tx.ID, tx.DeviceID, string(tx.Type), tx.Amount, tx.Currency, string(tx.Status),
		tx.KSN, tx.EncryptedPINBlock, tx.CardNumberMasked, tx.AuthorizationCode, tx.ResponseCode,
		tx.ResponseMessage, tx.TokenID, tx.CreatedAt,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	p := r.client.Prepared
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(p.InsertTransaction.Statement(), transactionValues(tx)...)
	batch.Query(p.InsertTransactionByDevice.Statement(), transactionValues(tx)...)
	if err := r.client.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to store transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	q := r.client.Stmt(ctx, r.client.Prepared.GetTransactionByID, id)
	tx, err := scanTransaction(func(dest ...interface{}) error { return r.client.ScanWithRetry(q, dest...) })
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := r.client.Stmt(ctx, r.client.Prepared.ListTransactionsByDevice, deviceID, limit).Iter()
	scanner := iter.Scanner()

	out := make([]*models.Transaction, 0, limit)
	for scanner.Next() {
		tx, err := scanTransaction(scanner.Scan)
		if err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(scan func(dest ...interface{}) error) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var typ, status string
	if err := scan(&tx.ID, &tx.DeviceID, &typ, &tx.Amount, &tx.Currency, &status,
		&tx.KSN, &tx.EncryptedPINBlock, &tx.CardNumberMasked, &tx.AuthorizationCode, &tx.ResponseCode,
		&tx.ResponseMessage, &tx.TokenID, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Type = models.TransactionType(typ)
	tx.Status = models.TransactionStatus(status)
	return tx, nil
}

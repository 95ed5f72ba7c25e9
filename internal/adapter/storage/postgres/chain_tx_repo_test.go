package postgres

import (
	"context"
	"testing"
	"time"

	"crypto-payment-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChainTx() *domain.ChainTransaction {
	return &domain.ChainTransaction{
		ID:             uuid.New(),
		PaymentOrderID: uuid.New(),
		TxHash:         "0x9f2c4e17a3b8d6f1e0c5a9b4d7e2f8a1c6b3d0e9f4a7c2b5d8e1f6a3c0b7d4e2",
		LogIndex:       3,
		FromAddress:    "0x1111111111111111111111111111111111111111",
		ToAddress:      "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Amount:         decimal.RequireFromString("150.00"),
		TokenAddress:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		BlockNumber:    19_000_100,
		Confirmations:  1,
		Status:         domain.TxStatusPending,
		DetectedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func chainTxCols() []string {
	return []string{
		"id", "payment_order_id", "tx_hash", "log_index", "from_address", "to_address",
		"amount", "token_address", "block_number", "confirmations", "status", "detected_at", "confirmed_at",
	}
}

func chainTxRow(ct *domain.ChainTransaction) *pgxmock.Rows {
	return pgxmock.NewRows(chainTxCols()).AddRow(
		ct.ID, ct.PaymentOrderID, ct.TxHash, int64(ct.LogIndex), ct.FromAddress, ct.ToAddress,
		ct.Amount, ct.TokenAddress, ct.BlockNumber, ct.Confirmations, ct.Status, ct.DetectedAt, ct.ConfirmedAt,
	)
}

func TestChainTransactionRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainTransactionRepo(mock)
	ct := newTestChainTx()

	mock.ExpectExec("INSERT INTO chain_transactions").
		WithArgs(ct.ID, ct.PaymentOrderID, ct.TxHash, int64(ct.LogIndex), ct.FromAddress, ct.ToAddress,
			ct.Amount, ct.TokenAddress, ct.BlockNumber, ct.Confirmations, ct.Status, ct.DetectedAt, ct.ConfirmedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), ct)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainTransactionRepo_Exists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainTransactionRepo(mock)
	ct := newTestChainTx()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(ct.TxHash, int64(ct.LogIndex)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.Exists(context.Background(), ct.TxHash, ct.LogIndex)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainTransactionRepo_ListUnfinalized(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainTransactionRepo(mock)
	ct := newTestChainTx()

	mock.ExpectQuery("SELECT .+ FROM chain_transactions").
		WillReturnRows(chainTxRow(ct))

	result, err := repo.ListUnfinalized(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, ct.TxHash, result[0].TxHash)
	assert.Equal(t, uint32(3), result[0].LogIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainTransactionRepo_UpdateConfirmation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainTransactionRepo(mock)
	id := uuid.New()
	confirmedAt := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectExec("UPDATE chain_transactions SET confirmations").
		WithArgs(uint64(12), domain.TxStatusConfirmed, &confirmedAt, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.UpdateConfirmation(context.Background(), id, 12, domain.TxStatusConfirmed, &confirmedAt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainTransactionRepo_UpdateBlockNumber(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainTransactionRepo(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE chain_transactions SET block_number").
		WithArgs(uint64(19_000_105), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.UpdateBlockNumber(context.Background(), id, 19_000_105)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

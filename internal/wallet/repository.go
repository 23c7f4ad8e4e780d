package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates no wallet exists for the requested identifier.
	ErrNotFound = errors.New("wallet not found")

	// ErrAddressTaken indicates the checksummed address is already registered.
	ErrAddressTaken = errors.New("address already registered")
)

// Repository persists wallet metadata.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByAddress(ctx context.Context, address string) (Wallet, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (id, address, network, status, created_at)
        VALUES ($1, $2, $3, $4, $5)`, walletID, wallet.Address, wallet.Network, wallet.Status, wallet.CreatedAt.UTC())
	return err
}

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletUUID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT id, address, network, status, created_at
        FROM wallets WHERE id = $1`, walletUUID)
	return scanWallet(row)
}

// GetByAddress fetches wallet metadata by its checksummed address.
func (r *PostgresRepository) GetByAddress(ctx context.Context, address string) (Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT id, address, network, status, created_at
        FROM wallets WHERE address = $1`, address)
	return scanWallet(row)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var idVal uuid.UUID
	var createdAt time.Time
	if err := row.Scan(&idVal, &w.Address, &w.Network, &w.Status, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	w.ID = idVal.String()
	w.CreatedAt = createdAt.UTC()
	return w, nil
}

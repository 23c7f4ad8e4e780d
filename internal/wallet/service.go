package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	statusActive = "active"

	defaultNetwork = "base-sepolia"
)

// Service exposes wallet registration and lookup.
type Service struct {
	repo Repository
}

// NewService builds a wallet service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RegisterInput captures data required to register a wallet.
type RegisterInput struct {
	Address string
	Network string
}

// Register records a custodial wallet. The address is checksummed here, once,
// and that form is the partition key for all policy and ledger state.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Wallet, error) {
	address, err := ChecksumAddress(input.Address)
	if err != nil {
		return Wallet{}, err
	}

	// Checksumming collapses casing variants, so one lookup catches every
	// spelling of an already-registered address.
	if _, err := s.repo.GetByAddress(ctx, address); err == nil {
		return Wallet{}, ErrAddressTaken
	} else if !errors.Is(err, ErrNotFound) {
		return Wallet{}, fmt.Errorf("lookup address: %w", err)
	}

	network := input.Network
	if network == "" {
		network = defaultNetwork
	}

	wallet := Wallet{
		ID:        uuid.New().String(),
		Address:   address,
		Network:   network,
		Status:    statusActive,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, wallet); err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}

	return wallet, nil
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// Package accounts manages recipients and the wallets they follow.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"positionbot/internal/storage"
	"positionbot/pkg/logx"
)

var (
	ErrInvalidAddress     = errors.New("invalid ethereum address")
	ErrInvalidWalletIndex = errors.New("invalid wallet index")
	ErrUserExists         = storage.ErrUserExists
	ErrWalletExists       = storage.ErrSubscriptionExists
	ErrUnknownUser        = storage.ErrNotFound
)

var validate = validator.New()

// SanitizeAddress validates a 0x-prefixed 40-hex address and lower-cases it.
func SanitizeAddress(address string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if err := validate.Var(addr, "required,eth_addr"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

type Service struct {
	store storage.SubscriptionStore
	log   logx.Logger
}

func New(store storage.SubscriptionStore, log logx.Logger) *Service {
	return &Service{store: store, log: log}
}

// Register creates a recipient. ErrUserExists when it is already known.
func (s *Service) Register(ctx context.Context, userID int64) error {
	if err := s.store.CreateUser(ctx, userID); err != nil {
		return err
	}
	s.log.Info("user registered", logx.Int64("user_id", userID))
	return nil
}

// UpsertWallet records a wallet without subscribing anyone to it.
func (s *Service) UpsertWallet(ctx context.Context, address string) (string, error) {
	wallet, err := SanitizeAddress(address)
	if err != nil {
		return "", err
	}
	return wallet, s.store.UpsertWallet(ctx, wallet)
}

// AddWallet subscribes userID to address and returns the stored form.
func (s *Service) AddWallet(ctx context.Context, userID int64, address string) (string, error) {
	wallet, err := SanitizeAddress(address)
	if err != nil {
		return "", err
	}
	if err := s.store.AddSubscription(ctx, userID, wallet); err != nil {
		return "", err
	}
	s.log.Info("wallet added", logx.Int64("user_id", userID), logx.String("wallet", wallet))
	return wallet, nil
}

// ListWallets returns a user's wallets, oldest subscription first.
func (s *Service) ListWallets(ctx context.Context, userID int64) ([]string, error) {
	return s.store.ListUserWallets(ctx, userID)
}

// RemoveWallet drops the wallet at the 1-based position shown by ListWallets.
func (s *Service) RemoveWallet(ctx context.Context, userID int64, index int) (string, error) {
	wallets, err := s.store.ListUserWallets(ctx, userID)
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(wallets) {
		return "", ErrInvalidWalletIndex
	}
	wallet := wallets[index-1]
	if err := s.store.RemoveSubscription(ctx, userID, wallet); err != nil {
		return "", err
	}
	s.log.Info("wallet removed", logx.Int64("user_id", userID), logx.String("wallet", wallet))
	return wallet, nil
}

// EachWallet walks every subscribed wallet page by page. fn returning an
// error stops the walk.
func (s *Service) EachWallet(ctx context.Context, pageSize int, fn func(wallet string) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	for offset := 0; ; offset += pageSize {
		page, err := s.store.ListWallets(ctx, pageSize, offset)
		if err != nil {
			return err
		}
		for _, w := range page {
			if err := fn(w); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// Package billing gates orchestration by subscription tier and charges
// credits per task execution.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
)

// Credit costs.
const (
	CostOrchestrationCycle = 0.1
	CostPremiumActivation  = 1.0
)

var (
	// ErrInsufficientCredits is returned when an account cannot cover a debit.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrTierLimitExceeded is returned when a request exceeds the account tier's limits.
	ErrTierLimitExceeded = errors.New("tier limit exceeded")
)

// TierLimits caps what an account tier may run.
type TierLimits struct {
	MaxConcurrentAgents int
	MaxNodesPerGraph    int
	PremiumAgents       bool
}

var tierLimits = map[string]TierLimits{
	"free":       {MaxConcurrentAgents: 2, MaxNodesPerGraph: 5, PremiumAgents: false},
	"pro":        {MaxConcurrentAgents: 10, MaxNodesPerGraph: 50, PremiumAgents: true},
	"enterprise": {MaxConcurrentAgents: 100, MaxNodesPerGraph: 500, PremiumAgents: true},
}

// LimitsFor returns the limits for a tier name, defaulting to free for
// unknown tiers.
func LimitsFor(tier string) TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits["free"]
}

// Service is the billing gate backed by the account store.
type Service struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewService creates a billing service over the given store.
func NewService(store storage.Store) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("billing"),
	}
}

// Account fetches a user account, provisioning a zero-balance free account
// on first sight.
func (s *Service) Account(ctx context.Context, userID string) (*types.UserAccount, error) {
	account, err := s.store.GetAccount(userID)
	if errors.Is(err, storage.ErrNotFound) {
		account = &types.UserAccount{UserID: userID, Tier: "free", Credits: 0}
		if err := s.store.SaveAccount(account); err != nil {
			return nil, err
		}
		s.logger.Info().Str("user_id", userID).Msg("provisioned free account")
		return account, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// CheckGraphSize rejects graphs larger than the account tier allows.
func (s *Service) CheckGraphSize(ctx context.Context, userID string, nodeCount int) error {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return err
	}

	limits := LimitsFor(account.Tier)
	if nodeCount > limits.MaxNodesPerGraph {
		return fmt.Errorf("%w: graph has %d nodes, tier %q allows %d",
			ErrTierLimitExceeded, nodeCount, account.Tier, limits.MaxNodesPerGraph)
	}
	return nil
}

// PremiumAllowed reports whether the account tier may activate premium handlers.
func (s *Service) PremiumAllowed(ctx context.Context, userID string) (bool, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return LimitsFor(account.Tier).PremiumAgents, nil
}

// Debit atomically subtracts amount from the account balance. The transaction
// aborts when the balance cannot cover it.
func (s *Service) Debit(ctx context.Context, userID string, amount float64, reason string) error {
	if _, err := s.Account(ctx, userID); err != nil {
		return err
	}

	err := s.store.UpdateAccount(userID, func(account *types.UserAccount) error {
		if account.Credits < amount {
			return fmt.Errorf("%w: balance %.2f, requested %.2f", ErrInsufficientCredits, account.Credits, amount)
		}
		account.Credits -= amount
		return nil
	})
	if err != nil {
		return err
	}

	metrics.CreditsSpent.WithLabelValues(userID).Add(amount)
	s.logger.Debug().
		Str("user_id", userID).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("credits debited")
	return nil
}

// DebitExecution charges one orchestration cycle. Satisfies the runtime's
// Biller contract.
func (s *Service) DebitExecution(ctx context.Context, userID string) error {
	return s.Debit(ctx, userID, CostOrchestrationCycle, "orchestration_cycle")
}

// TopUp adds credits to the account balance, provisioning it if needed.
func (s *Service) TopUp(ctx context.Context, userID string, amount float64) error {
	if _, err := s.Account(ctx, userID); err != nil {
		return err
	}

	err := s.store.UpdateAccount(userID, func(account *types.UserAccount) error {
		account.Credits += amount
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("user_id", userID).Float64("amount", amount).Msg("credits added")
	return nil
}

// SetTier changes an account's subscription tier.
func (s *Service) SetTier(ctx context.Context, userID, tier string) error {
	if _, ok := tierLimits[tier]; !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	if _, err := s.Account(ctx, userID); err != nil {
		return err
	}
	return s.store.UpdateAccount(userID, func(account *types.UserAccount) error {
		account.Tier = tier
		return nil
	})
}

package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"micro-casino/internal/storage"
)

// maxExperiencePerRound caps the experience a single round can grant.
const maxExperiencePerRound = 1000

// ExperienceService awards leveling experience for finished rounds.
type ExperienceService struct {
	store storage.ExperienceStore
}

func NewExperienceService(store storage.ExperienceStore) *ExperienceService {
	return &ExperienceService{store: store}
}

// ExperienceForBet is one point per whole unit wagered, at least one.
func ExperienceForBet(bet decimal.Decimal) int64 {
	xp := bet.IntPart()
	if xp < 1 {
		xp = 1
	}
	if xp > maxExperiencePerRound {
		xp = maxExperiencePerRound
	}
	return xp
}

func (s *ExperienceService) Award(ctx context.Context, username string, bet decimal.Decimal) error {
	if err := s.store.AwardExperience(ctx, username, ExperienceForBet(bet)); err != nil {
		return fmt.Errorf("award experience to %s: %w", username, err)
	}
	return nil
}

func (s *ExperienceService) Get(ctx context.Context, username string) (int64, error) {
	return s.store.GetExperience(ctx, username)
}

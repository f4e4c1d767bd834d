package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	cacheport "github.com/fluffypet/chat/internal/infrastructure/cache/port"
	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	repository "github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/port"
)

// profileCacheTTL bounds staleness of cached display data. Profiles change
// rarely; a short TTL avoids an invalidation protocol.
const profileCacheTTL = 5 * time.Minute

// GetProfileInput wraps the user identifier to fetch display data for.
type GetProfileInput struct {
	UserID string
}

// GetProfileUseCase returns participant display data, fronted by the cache
// port. Cache failures fall through to the repository; profiles are
// read-only reference data here.
type GetProfileUseCase struct {
	Repo  repository.ProfileRepository
	Cache cacheport.Cache
}

func NewGetProfileUseCase(repo repository.ProfileRepository, cache cacheport.Cache) *GetProfileUseCase {
	return &GetProfileUseCase{Repo: repo, Cache: cache}
}

func (uc *GetProfileUseCase) Execute(ctx context.Context, in GetProfileInput) (messaging.Profile, error) {
	if in.UserID == "" {
		return messaging.Profile{}, fmt.Errorf("userId is required")
	}

	key := "profile:" + in.UserID
	if uc.Cache != nil {
		if raw, err := uc.Cache.Get(ctx, key); err == nil {
			var p messaging.Profile
			if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
				return p, nil
			}
		} else if !errors.Is(err, cacheport.ErrMiss) {
			log.Printf("messaging: profile cache read %s: %v", in.UserID, err)
		}
	}

	p, err := uc.Repo.GetProfile(ctx, in.UserID)
	if err != nil {
		return messaging.Profile{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if uc.Cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			if err := uc.Cache.Set(ctx, key, string(raw), profileCacheTTL); err != nil {
				log.Printf("messaging: profile cache write %s: %v", in.UserID, err)
			}
		}
	}
	return p, nil
}

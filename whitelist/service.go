package whitelist

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bwgateway/gwerrors"
	"bwgateway/models"
)

// Service runs the three authorization gates over the channel cache, the
// durable whitelist, and the external collaborators.
type Service struct {
	db           *gorm.DB
	cache        *Cache
	registration RegistrationClient
	blacklist    BlacklistClient
	requireReg   bool
	logger       *slog.Logger
}

// Config wires a Service.
type Config struct {
	DB                  *gorm.DB
	Cache               *Cache
	Registration        RegistrationClient
	Blacklist           BlacklistClient
	RequireRegistration bool
	Logger              *slog.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache(logger)
	}
	return &Service{
		db:           cfg.DB,
		cache:        cache,
		registration: cfg.Registration,
		blacklist:    cfg.Blacklist,
		requireReg:   cfg.RequireRegistration,
		logger:       logger,
	}
}

// Cache exposes the channel cache for the reaper's sweeps.
func (s *Service) Cache() *Cache { return s.cache }

// IsAllowed reports whether the user may have bandwidth provided on this
// channel. The system gate must pass before the blacklist gates run. A
// persistent ban is reported through gwerrors.ErrBanned; any collaborator or
// store failure denies.
func (s *Service) IsAllowed(ctx context.Context, channelID, user string, communityIDs, userIDs []string) (bool, error) {
	ok, err := s.systemGate(ctx, channelID, user)
	if err != nil || !ok {
		return false, err
	}

	banned, err := s.anyBanned(ctx, communityProbes(communityIDs), func(ctx context.Context, id string) (bool, error) {
		return s.blacklist.IsInCommunityBlacklist(ctx, user, id)
	})
	if err != nil {
		s.logger.Error("community blacklist check failed", "user", user, "err", err)
		return false, err
	}
	if banned {
		return false, nil
	}

	banned, err = s.anyBanned(ctx, userIDs, func(ctx context.Context, id string) (bool, error) {
		return s.blacklist.IsInUserBlacklist(ctx, user, id)
	})
	if err != nil {
		s.logger.Error("user blacklist check failed", "user", user, "err", err)
		return false, err
	}
	return !banned, nil
}

// systemGate checks the cache, then the durable whitelist, then the optional
// registration requirement. First-time users get a durable entry and a cache
// slot.
func (s *Service) systemGate(ctx context.Context, channelID, user string) (bool, error) {
	if s.cache.Touch(channelID, user) {
		return true, nil
	}

	var entry models.WhitelistEntry
	err := s.db.WithContext(ctx).First(&entry, "user = ?", user).Error
	switch {
	case err == nil:
		if entry.Banned {
			return false, gwerrors.ErrBanned.Wrapf("user %s", user)
		}
		s.cache.Put(entry.User, channelID)
		return true, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, err
	}

	if s.requireReg {
		registered, regErr := s.registration.IsRegistered(ctx, user)
		if regErr != nil {
			s.logger.Error("registration service call failed", "user", user, "err", regErr)
			return false, nil
		}
		if !registered {
			return false, nil
		}
	}

	create := models.WhitelistEntry{User: user, Banned: false}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&create).Error; err != nil {
		return false, err
	}
	s.cache.Put(user, channelID)
	return true, nil
}

// BanUser flips the durable entry to banned and evicts every cached channel
// of the user. Updating a user without a record is a no-op.
func (s *Service) BanUser(ctx context.Context, user string) error {
	err := s.db.WithContext(ctx).
		Model(&models.WhitelistEntry{}).
		Where("user = ?", user).
		Update("banned", true).Error
	if err != nil {
		return err
	}
	evicted := s.cache.RemoveUser(user)
	s.logger.Info("user banned", "user", user, "evictedChannels", evicted)
	return nil
}

// HandleOffline drops a single disconnected channel from the cache.
func (s *Service) HandleOffline(user, channelID string) {
	s.cache.RemoveChannel(user, channelID)
}

// Usernames resolves display names, best effort.
func (s *Service) Usernames(ctx context.Context, userIDs []string) (map[string]string, error) {
	return s.blacklist.GetUsernames(ctx, userIDs)
}

// anyBanned fans out one probe per id and reports true as soon as any probe
// answers banned. Probe errors deny the whole check.
func (s *Service) anyBanned(ctx context.Context, ids []string, probe func(context.Context, string) (bool, error)) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		banned   bool
		firstErr error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			hit, err := probe(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if hit {
				banned = true
			}
		}(id)
	}
	wg.Wait()
	if firstErr != nil {
		return false, firstErr
	}
	return banned, nil
}

// communityProbes always yields at least one probe; the empty-string sentinel
// keeps the global-ban path exercised when a transaction names no community.
func communityProbes(communityIDs []string) []string {
	if len(communityIDs) == 0 {
		return []string{""}
	}
	return communityIDs
}

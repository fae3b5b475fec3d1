package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the update did not carry a usable user identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// touchInterval bounds how often an unchanged profile is written back.
const touchInterval = time.Minute

// ServiceConfig describes the dependencies required for user bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which chat users have talked to the bot.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

type cachedProfile struct {
	username  string
	firstName string
	touchedAt time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch upserts the profile and refreshes its last-seen time. Repeated
// touches of an unchanged profile are coalesced in memory.
func (s *Service) Touch(ctx context.Context, profile Profile) error {
	if profile.UserID == 0 {
		return ErrInvalidIdentity
	}
	now := s.now().UTC()
	username := normalize(profile.Username)
	firstName := normalize(profile.FirstName)

	if cached, ok := s.cache.Load(profile.UserID); ok {
		entry, ok := cached.(cachedProfile)
		if ok && entry.username == username && entry.firstName == firstName && now.Sub(entry.touchedAt) < touchInterval {
			return nil
		}
	}

	record := Profile{
		UserID:           profile.UserID,
		Username:         username,
		FirstName:        firstName,
		FirstSeenSeconds: now.Unix(),
		LastSeenSeconds:  now.Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_seen_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return err
	}

	s.cache.Store(profile.UserID, cachedProfile{username: username, firstName: firstName, touchedAt: now})
	return nil
}

// Get returns the stored profile of a user.
func (s *Service) Get(ctx context.Context, userID int64) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Count returns how many distinct users have been seen.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Profile{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ActiveSince counts users seen at or after the given time.
func (s *Service) ActiveSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("last_seen_s >= ?", since.UTC().Unix()).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

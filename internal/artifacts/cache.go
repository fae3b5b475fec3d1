package artifacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCacheNew    = "artifacts.cache.new"
	opCacheLookup = "artifacts.cache.lookup"
	opCacheStore  = "artifacts.cache.store"
	opCacheCount  = "artifacts.cache.count"
)

// ExistenceChecker reports whether an artifact reference still resolves to a file.
type ExistenceChecker interface {
	Exists(path string) bool
}

// CacheConfig describes the dependencies of the artifact cache.
type CacheConfig struct {
	Database *gorm.DB
	Files    ExistenceChecker
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache maps request text to previously produced artifacts. Entries are never
// evicted; an entry whose file disappeared is reported as a miss.
type Cache struct {
	db     *gorm.DB
	files  ExistenceChecker
	clock  func() time.Time
	logger *zap.Logger
}

// NewCache validates dependencies and constructs the cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCacheNew, "missing_database", errMissingDatabase)
	}
	if cfg.Files == nil {
		return nil, newServiceError(opCacheNew, "missing_files", errMissingFiles)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Cache{db: cfg.Database, files: cfg.Files, clock: clock, logger: logger}, nil
}

// Lookup returns the artifact path cached for the request text.
func (c *Cache) Lookup(ctx context.Context, requestText string) (string, bool, error) {
	digest := Digest(requestText)
	var entry CachedArtifact
	err := c.db.WithContext(ctx).Where("prompt_hash = ?", digest).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		logError(c.logger, "artifact cache error", opCacheLookup, "select_failed", err, zap.String("prompt_hash", digest))
		return "", false, newServiceError(opCacheLookup, "select_failed", err)
	}
	if !c.files.Exists(entry.FilePath) {
		c.logger.Debug("cached artifact missing on disk",
			zap.String("prompt_hash", digest),
			zap.String("file_path", entry.FilePath))
		return "", false, nil
	}
	return entry.FilePath, true, nil
}

// Store records the artifact for the request text, replacing any prior entry.
func (c *Cache) Store(ctx context.Context, requestText string, artifactPath string) error {
	if strings.TrimSpace(artifactPath) == "" {
		return newServiceError(opCacheStore, "missing_path", ErrEmptyArtifact)
	}
	entry := CachedArtifact{
		PromptHash:       Digest(requestText),
		FilePath:         artifactPath,
		CreatedAtSeconds: c.clock().UTC().Unix(),
	}
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "prompt_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"file_path", "created_at_s"}),
		}).
		Create(&entry).Error
	if err != nil {
		logError(c.logger, "artifact cache error", opCacheStore, "upsert_failed", err, zap.String("prompt_hash", entry.PromptHash))
		return newServiceError(opCacheStore, "upsert_failed", err)
	}
	return nil
}

// Count returns the number of cache entries.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&CachedArtifact{}).Count(&count).Error; err != nil {
		logError(c.logger, "artifact cache error", opCacheCount, "count_failed", err)
		return 0, newServiceError(opCacheCount, "count_failed", err)
	}
	return count, nil
}

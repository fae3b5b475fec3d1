package artifacts

// CachedArtifact maps a request digest to an artifact file on durable media.
type CachedArtifact struct {
	PromptHash       string `gorm:"column:prompt_hash;primaryKey;size:64;not null"`
	FilePath         string `gorm:"column:file_path;size:1024;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing the artifact cache.
func (CachedArtifact) TableName() string {
	return "image_cache"
}

// UsageCounter accumulates per-user request and artifact counts.
type UsageCounter struct {
	UserID             int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	RequestsCount      int64 `gorm:"column:requests_count;not null;default:0"`
	TotalImages        int64 `gorm:"column:total_images;not null;default:0"`
	LastRequestSeconds int64 `gorm:"column:last_request_s;not null;default:0"`
}

// TableName exposes the table backing usage counters.
func (UsageCounter) TableName() string {
	return "user_stats"
}

package payments

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one checkout attempt. Records move from pending to completed or
// failed and are never deleted.
type Record struct {
	ID                string `gorm:"column:id;primaryKey;size:36;not null"`
	UserID            int64  `gorm:"column:user_id;not null;index:idx_payments_user_status,priority:1"`
	TariffCode        string `gorm:"column:tariff_code;size:32;not null"`
	AmountMinor       int64  `gorm:"column:amount_minor;not null"`
	Currency          string `gorm:"column:currency;size:3"`
	Units             int64  `gorm:"column:units;not null"`
	Description       string `gorm:"column:description;size:255"`
	ProviderPaymentID string `gorm:"column:provider_payment_id;size:64;index"`
	ConfirmationURL   string `gorm:"column:confirmation_url;size:1024"`
	Status            Status `gorm:"column:status;size:16;not null;index:idx_payments_user_status,priority:2"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null;index"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing payment records.
func (Record) TableName() string {
	return "payments"
}

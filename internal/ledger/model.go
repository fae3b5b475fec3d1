package ledger

// Reason classifies why units were credited to a balance.
type Reason string

const (
	// ReasonTopUp marks units bought through the payment gateway.
	ReasonTopUp Reason = "top_up"
	// ReasonTestTopUp marks units granted while the gateway runs in test mode.
	ReasonTestTopUp Reason = "test_top_up"
	// ReasonRefund marks units returned after a failed or cancelled job.
	ReasonRefund Reason = "refund"
)

// StatusCompleted is the only status written to the history; credits are recorded after they apply.
const StatusCompleted = "completed"

// Balance is the prepaid unit balance of one user.
type Balance struct {
	UserID           int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	UnitsRemaining   int64 `gorm:"column:units_remaining;not null;default:0"`
	TotalPaidMinor   int64 `gorm:"column:total_paid_minor;not null;default:0"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing balances.
func (Balance) TableName() string {
	return "user_balance"
}

// HistoryEntry is an append-only audit record written with every credit.
type HistoryEntry struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           int64  `gorm:"column:user_id;not null;index:idx_payment_history_user"`
	AmountMinor      int64  `gorm:"column:amount_minor;not null;default:0"`
	Units            int64  `gorm:"column:units;not null"`
	Reason           Reason `gorm:"column:reason;size:32;not null;index"`
	Description      string `gorm:"column:description;size:255"`
	Status           string `gorm:"column:status;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing the credit history.
func (HistoryEntry) TableName() string {
	return "payment_history"
}

package models

import "time"

// SubscriptionStatus marks a subscription row active or retired.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// SubscriptionRecord is the persisted desired-subscription state for one
// instrument token. The account assignment is rewritten by the reconciler
// on every plan reload.
type SubscriptionRecord struct {
	Token         uint32             `gorm:"primaryKey" json:"instrument_token"`
	TradingSymbol string             `json:"tradingsymbol"`
	Segment       string             `json:"segment"`
	Status        SubscriptionStatus `gorm:"index" json:"status"`
	Mode          StreamMode         `json:"mode"`
	AccountID     *string            `gorm:"index" json:"account_id,omitempty"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubscriptionRecord) TableName() string { return "subscriptions" }

// PlanItem is a subscription row joined with its current instrument
// metadata, surviving registry and expiry filtering.
type PlanItem struct {
	Record     SubscriptionRecord
	Instrument Instrument
}

// Assignment binds one plan item to a streaming account.
type Assignment struct {
	Token     uint32
	Mode      StreamMode
	AccountID string
}

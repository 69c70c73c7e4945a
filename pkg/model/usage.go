package model

import "time"

// Feature ids tracked by usage accounting.
const (
	FeatureBandwidthMB  = "bandwidth_mb"
	FeatureUptimeMinute = "uptime_minutes"
)

// OrgUsage is a cumulative per-org counter for one feature.
type OrgUsage struct {
	OrgID     uint      `gorm:"primaryKey;autoIncrement:false" json:"orgId"`
	FeatureID string    `gorm:"primaryKey;size:64" json:"featureId"`
	Amount    float64   `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrgLimit caps one feature for an org; absent row means unlimited.
type OrgLimit struct {
	OrgID     uint    `gorm:"primaryKey;autoIncrement:false" json:"orgId"`
	FeatureID string  `gorm:"primaryKey;size:64" json:"featureId"`
	Max       float64 `json:"max"`
}

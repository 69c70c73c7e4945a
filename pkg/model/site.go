package model

import "time"

// Site is a gateway peer bound to one org and one exit node. The bandwidth
// tracker owns the counters and the online flag; nothing here deletes sites.
type Site struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	OrgID               uint       `gorm:"index" json:"orgId"`
	ExitNodeID          uint       `gorm:"index" json:"exitNodeId"`
	Name                string     `gorm:"size:128" json:"name"`
	Subnet              string     `gorm:"size:64" json:"subnet"`
	PublicKey           string     `gorm:"index;size:64" json:"publicKey"`
	Online              bool       `json:"online"`
	LastBandwidthUpdate *time.Time `json:"lastBandwidthUpdate,omitempty"`
	MegabytesIn         float64    `json:"megabytesIn"`
	MegabytesOut        float64    `json:"megabytesOut"`
}

// BandwidthSample is one per-peer transfer delta reported by an exit node,
// already converted to megabytes by the reporting agent.
type BandwidthSample struct {
	PublicKey string  `json:"publicKey"`
	BytesIn   float64 `json:"bytesIn"`
	BytesOut  float64 `json:"bytesOut"`
}

package model

import "time"

// ExitNode is a tunnel termination point. Rows are created out-of-band by
// provisioning; the coordination core only mutates the liveness flag.
type ExitNode struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"uniqueIndex;size:128" json:"name"`
	PublicKey      string     `gorm:"size:64" json:"publicKey"`
	Endpoint       string     `gorm:"size:256" json:"endpoint"`
	MaxConnections int        `json:"maxConnections"`
	Online         bool       `json:"online"`
	LastPing       *time.Time `json:"lastPing,omitempty"`
	Region         string     `gorm:"size:32" json:"region,omitempty"`
}

// PingResult is one liveness/latency probe outcome for an exit node.
type PingResult struct {
	ExitNodeID uint          `json:"exitNodeId"`
	Latency    time.Duration `json:"latencyMs"`
	FreeSlots  int           `json:"freeSlots"`
	Live       bool          `json:"live"`
}

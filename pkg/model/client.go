package model

import "time"

// Client is a tunnel peer: either a user's personal device (UserID and OlmID
// set) or an org-level machine client. The (OrgID, Subnet) unique index is
// the collision backstop for concurrent address allocation: the losing
// transaction fails its insert and rolls back.
type Client struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	OrgID      uint       `gorm:"uniqueIndex:uniq_org_subnet" json:"orgId"`
	ExitNodeID uint       `json:"exitNodeId"`
	UserID     *uint      `gorm:"index" json:"userId,omitempty"`
	OlmID      *string    `gorm:"index;size:64" json:"olmId,omitempty"`
	Name       string     `gorm:"size:128" json:"name"`
	Subnet     string     `gorm:"uniqueIndex:uniq_org_subnet;size:64" json:"subnet"` // /32 inside the org subnet
	PublicKey  string     `gorm:"size:64" json:"publicKey"`
	Online     bool       `json:"online"`
	LastPing   *time.Time `json:"lastPing,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// RoleClient grants every holder of a role access to a client.
type RoleClient struct {
	RoleID   uint `gorm:"primaryKey;autoIncrement:false" json:"roleId"`
	ClientID uint `gorm:"primaryKey;autoIncrement:false" json:"clientId"`
}

// UserClient grants a single user access to a client.
type UserClient struct {
	UserID   uint `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	ClientID uint `gorm:"primaryKey;autoIncrement:false" json:"clientId"`
}

// ClientSite is the denormalized reachability cache: which clients may reach
// which sites. Owned by the reconciler; always rebuildable from scratch.
type ClientSite struct {
	ClientID uint `gorm:"primaryKey;autoIncrement:false" json:"clientId"`
	SiteID   uint `gorm:"primaryKey;autoIncrement:false" json:"siteId"`
}

package model

import "time"

// Organization owns a subnet and the sites/clients carved out of it.
type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128" json:"name"`
	Subnet    string    `gorm:"size:64" json:"subnet"` // org CIDR, addresses for clients and sites come from here
	CreatedAt time.Time `json:"createdAt"`
}

// Role is an org-scoped role; the admin role is granted on every client.
type Role struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	OrgID   uint   `gorm:"index" json:"orgId"`
	Name    string `gorm:"size:64" json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// OrgUser links a user to an org with the role they were invited under.
type OrgUser struct {
	OrgID  uint `gorm:"primaryKey;autoIncrement:false" json:"orgId"`
	UserID uint `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	RoleID uint `json:"roleId"`
}

type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Email          string    `gorm:"uniqueIndex;size:128" json:"email"`
	SessionVersion int       `json:"-"` // bumped to invalidate outstanding session tokens
	CreatedAt      time.Time `json:"createdAt"`
}

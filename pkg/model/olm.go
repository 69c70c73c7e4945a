package model

import "time"

// Olm is the logical identity of one installed tunnel agent. It is linked to
// at most one client at a time; the reconciler moves the link as the owning
// user joins and leaves orgs.
type Olm struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	UserID     uint      `gorm:"index" json:"userId"`
	ClientID   *uint     `json:"clientId,omitempty"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

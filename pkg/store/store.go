package store

import (
	"time"

	"fleetwan/pkg/model"
)

// Tx is the row-level access surface of the coordination core. Every method
// runs in whatever scope the Tx was obtained under: the bare Store acts as an
// auto-commit scope, WithTx hands out a real transactional one.
type Tx interface {
	GetUser(id uint) (model.User, bool, error)
	GetOrg(id uint) (model.Organization, bool, error)
	GetOrgUser(orgID, userID uint) (model.OrgUser, bool, error)
	ListOrgMemberships(userID uint) ([]model.OrgUser, error)
	GetRole(id uint) (model.Role, bool, error)
	GetAdminRole(orgID uint) (model.Role, bool, error)

	ListExitNodes() ([]model.ExitNode, error)
	GetExitNode(id uint) (model.ExitNode, bool, error)
	GetExitNodeByName(name string) (model.ExitNode, bool, error)
	SetExitNodeOnline(id uint, online bool, at time.Time) error

	ListSitesByOrg(orgID uint) ([]model.Site, error)
	GetSiteByPublicKey(publicKey string) (model.Site, bool, error)
	AddSiteBandwidth(siteID uint, mbIn, mbOut float64, at time.Time) error
	SetSiteOnline(siteID uint, online bool) error

	GetClient(id uint) (model.Client, bool, error)
	GetClientByOrgOlm(orgID uint, olmID string) (model.Client, bool, error)
	ListClientsByOlm(olmID string) ([]model.Client, error)
	CreateClient(c *model.Client) error
	DeleteClient(id uint) error
	UpdateClientPing(id uint, at time.Time) error
	MarkStaleClientsOffline(cutoff time.Time) ([]model.Client, error)
	UsedSubnets(orgID uint) ([]string, error)

	GetOlm(id string) (model.Olm, bool, error)
	ListOlmsByUser(userID uint) ([]model.Olm, error)
	SetOlmClient(olmID string, clientID *uint) error

	UpsertRoleClient(roleID, clientID uint) error
	UpsertUserClient(userID, clientID uint) error
	ListRoleClients(clientID uint) ([]model.RoleClient, error)
	ListUserClients(clientID uint) ([]model.UserClient, error)

	DeleteClientSites(clientID uint) error
	CreateClientSite(clientID, siteID uint) error

	AddUsage(orgID uint, featureID string, amount float64, at time.Time) (float64, error)
	GetLimit(orgID uint, featureID string) (model.OrgLimit, bool, error)
}

// Store is the persistence layer. WithTx runs fn inside the caller's
// transaction when tx is non-nil, otherwise it opens its own scope and
// commits on success / rolls back on error.
type Store interface {
	Tx
	WithTx(tx Tx, fn func(tx Tx) error) error
}

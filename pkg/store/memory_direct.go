package store

import (
	"time"

	"fleetwan/pkg/model"
)

// Auto-commit wrappers: each call takes the store lock and delegates to the
// unlocked transaction view.

func (m *MemoryStore) tx() *memTx { return &memTx{t: &m.t} }

func (m *MemoryStore) GetUser(id uint) (model.User, bool, error) {
	defer m.locked()()
	return m.tx().GetUser(id)
}

func (m *MemoryStore) GetOrg(id uint) (model.Organization, bool, error) {
	defer m.locked()()
	return m.tx().GetOrg(id)
}

func (m *MemoryStore) GetOrgUser(orgID, userID uint) (model.OrgUser, bool, error) {
	defer m.locked()()
	return m.tx().GetOrgUser(orgID, userID)
}

func (m *MemoryStore) ListOrgMemberships(userID uint) ([]model.OrgUser, error) {
	defer m.locked()()
	return m.tx().ListOrgMemberships(userID)
}

func (m *MemoryStore) GetRole(id uint) (model.Role, bool, error) {
	defer m.locked()()
	return m.tx().GetRole(id)
}

func (m *MemoryStore) GetAdminRole(orgID uint) (model.Role, bool, error) {
	defer m.locked()()
	return m.tx().GetAdminRole(orgID)
}

func (m *MemoryStore) ListExitNodes() ([]model.ExitNode, error) {
	defer m.locked()()
	return m.tx().ListExitNodes()
}

func (m *MemoryStore) GetExitNode(id uint) (model.ExitNode, bool, error) {
	defer m.locked()()
	return m.tx().GetExitNode(id)
}

func (m *MemoryStore) GetExitNodeByName(name string) (model.ExitNode, bool, error) {
	defer m.locked()()
	return m.tx().GetExitNodeByName(name)
}

func (m *MemoryStore) SetExitNodeOnline(id uint, online bool, at time.Time) error {
	defer m.locked()()
	return m.tx().SetExitNodeOnline(id, online, at)
}

func (m *MemoryStore) ListSitesByOrg(orgID uint) ([]model.Site, error) {
	defer m.locked()()
	return m.tx().ListSitesByOrg(orgID)
}

func (m *MemoryStore) GetSiteByPublicKey(publicKey string) (model.Site, bool, error) {
	defer m.locked()()
	return m.tx().GetSiteByPublicKey(publicKey)
}

func (m *MemoryStore) AddSiteBandwidth(siteID uint, mbIn, mbOut float64, at time.Time) error {
	defer m.locked()()
	return m.tx().AddSiteBandwidth(siteID, mbIn, mbOut, at)
}

func (m *MemoryStore) SetSiteOnline(siteID uint, online bool) error {
	defer m.locked()()
	return m.tx().SetSiteOnline(siteID, online)
}

func (m *MemoryStore) GetClient(id uint) (model.Client, bool, error) {
	defer m.locked()()
	return m.tx().GetClient(id)
}

func (m *MemoryStore) GetClientByOrgOlm(orgID uint, olmID string) (model.Client, bool, error) {
	defer m.locked()()
	return m.tx().GetClientByOrgOlm(orgID, olmID)
}

func (m *MemoryStore) ListClientsByOlm(olmID string) ([]model.Client, error) {
	defer m.locked()()
	return m.tx().ListClientsByOlm(olmID)
}

func (m *MemoryStore) CreateClient(c *model.Client) error {
	defer m.locked()()
	return m.tx().CreateClient(c)
}

func (m *MemoryStore) DeleteClient(id uint) error {
	defer m.locked()()
	return m.tx().DeleteClient(id)
}

func (m *MemoryStore) UpdateClientPing(id uint, at time.Time) error {
	defer m.locked()()
	return m.tx().UpdateClientPing(id, at)
}

func (m *MemoryStore) MarkStaleClientsOffline(cutoff time.Time) ([]model.Client, error) {
	defer m.locked()()
	return m.tx().MarkStaleClientsOffline(cutoff)
}

func (m *MemoryStore) UsedSubnets(orgID uint) ([]string, error) {
	defer m.locked()()
	return m.tx().UsedSubnets(orgID)
}

func (m *MemoryStore) GetOlm(id string) (model.Olm, bool, error) {
	defer m.locked()()
	return m.tx().GetOlm(id)
}

func (m *MemoryStore) ListOlmsByUser(userID uint) ([]model.Olm, error) {
	defer m.locked()()
	return m.tx().ListOlmsByUser(userID)
}

func (m *MemoryStore) SetOlmClient(olmID string, clientID *uint) error {
	defer m.locked()()
	return m.tx().SetOlmClient(olmID, clientID)
}

func (m *MemoryStore) UpsertRoleClient(roleID, clientID uint) error {
	defer m.locked()()
	return m.tx().UpsertRoleClient(roleID, clientID)
}

func (m *MemoryStore) UpsertUserClient(userID, clientID uint) error {
	defer m.locked()()
	return m.tx().UpsertUserClient(userID, clientID)
}

func (m *MemoryStore) ListRoleClients(clientID uint) ([]model.RoleClient, error) {
	defer m.locked()()
	return m.tx().ListRoleClients(clientID)
}

func (m *MemoryStore) ListUserClients(clientID uint) ([]model.UserClient, error) {
	defer m.locked()()
	return m.tx().ListUserClients(clientID)
}

func (m *MemoryStore) DeleteClientSites(clientID uint) error {
	defer m.locked()()
	return m.tx().DeleteClientSites(clientID)
}

func (m *MemoryStore) CreateClientSite(clientID, siteID uint) error {
	defer m.locked()()
	return m.tx().CreateClientSite(clientID, siteID)
}

func (m *MemoryStore) AddUsage(orgID uint, featureID string, amount float64, at time.Time) (float64, error) {
	defer m.locked()()
	return m.tx().AddUsage(orgID, featureID, amount, at)
}

func (m *MemoryStore) GetLimit(orgID uint, featureID string) (model.OrgLimit, bool, error) {
	defer m.locked()()
	return m.tx().GetLimit(orgID, featureID)
}

// Seed helpers for tests and the dev store.

func (m *MemoryStore) AddUser(u model.User) {
	defer m.locked()()
	m.t.users[u.ID] = u
}

func (m *MemoryStore) AddOrg(o model.Organization) {
	defer m.locked()()
	m.t.orgs[o.ID] = o
}

func (m *MemoryStore) AddRole(r model.Role) {
	defer m.locked()()
	m.t.roles[r.ID] = r
}

func (m *MemoryStore) AddOrgUser(ou model.OrgUser) {
	defer m.locked()()
	m.t.orgUsers[pairKey{ou.OrgID, ou.UserID}] = ou
}

func (m *MemoryStore) RemoveOrgUser(orgID, userID uint) {
	defer m.locked()()
	delete(m.t.orgUsers, pairKey{orgID, userID})
}

func (m *MemoryStore) AddExitNode(n model.ExitNode) {
	defer m.locked()()
	m.t.exitNodes[n.ID] = n
}

func (m *MemoryStore) AddSite(s model.Site) {
	defer m.locked()()
	m.t.sites[s.ID] = s
}

func (m *MemoryStore) AddOlm(o model.Olm) {
	defer m.locked()()
	m.t.olms[o.ID] = o
}

func (m *MemoryStore) AddLimit(l model.OrgLimit) {
	defer m.locked()()
	m.t.limits[featKey{l.OrgID, l.FeatureID}] = l
}

func (m *MemoryStore) ListClients() []model.Client {
	defer m.locked()()
	var out []model.Client
	for _, c := range m.t.clients {
		out = append(out, c)
	}
	return out
}

func (m *MemoryStore) ListClientSites(clientID uint) []model.ClientSite {
	defer m.locked()()
	var out []model.ClientSite
	for _, cs := range m.t.clientSites {
		if cs.ClientID == clientID {
			out = append(out, cs)
		}
	}
	return out
}

func (m *MemoryStore) Usage(orgID uint, featureID string) float64 {
	defer m.locked()()
	return m.t.usage[featKey{orgID, featureID}].Amount
}

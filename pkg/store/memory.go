package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetwan/pkg/model"
)

// MemoryStore is an in-memory Store for dev and tests. Pointer-typed fields
// on stored rows are replaced, never mutated through, so the copy-on-write
// transaction snapshot stays cheap.
type MemoryStore struct {
	mu sync.Mutex
	t  tables
}

type pairKey struct{ a, b uint }

type featKey struct {
	org     uint
	feature string
}

type tables struct {
	users        map[uint]model.User
	orgs         map[uint]model.Organization
	orgUsers     map[pairKey]model.OrgUser
	roles        map[uint]model.Role
	exitNodes    map[uint]model.ExitNode
	sites        map[uint]model.Site
	clients      map[uint]model.Client
	olms         map[string]model.Olm
	roleClients  map[pairKey]model.RoleClient
	userClients  map[pairKey]model.UserClient
	clientSites  map[pairKey]model.ClientSite
	usage        map[featKey]model.OrgUsage
	limits       map[featKey]model.OrgLimit
	nextClientID uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{t: tables{
		users:        map[uint]model.User{},
		orgs:         map[uint]model.Organization{},
		orgUsers:     map[pairKey]model.OrgUser{},
		roles:        map[uint]model.Role{},
		exitNodes:    map[uint]model.ExitNode{},
		sites:        map[uint]model.Site{},
		clients:      map[uint]model.Client{},
		olms:         map[string]model.Olm{},
		roleClients:  map[pairKey]model.RoleClient{},
		userClients:  map[pairKey]model.UserClient{},
		clientSites:  map[pairKey]model.ClientSite{},
		usage:        map[featKey]model.OrgUsage{},
		limits:       map[featKey]model.OrgLimit{},
		nextClientID: 1,
	}}
}

func (t tables) clone() tables {
	c := t
	c.users = copyMap(t.users)
	c.orgs = copyMap(t.orgs)
	c.orgUsers = copyMap(t.orgUsers)
	c.roles = copyMap(t.roles)
	c.exitNodes = copyMap(t.exitNodes)
	c.sites = copyMap(t.sites)
	c.clients = copyMap(t.clients)
	c.olms = copyMap(t.olms)
	c.roleClients = copyMap(t.roleClients)
	c.userClients = copyMap(t.userClients)
	c.clientSites = copyMap(t.clientSites)
	c.usage = copyMap(t.usage)
	c.limits = copyMap(t.limits)
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithTx runs fn under the store lock; on error the pre-transaction snapshot
// is restored, mirroring a rollback.
func (m *MemoryStore) WithTx(tx Tx, fn func(tx Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.t.clone()
	if err := fn(&memTx{t: &m.t}); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// memTx operates on the table set without locking; the MemoryStore methods
// and WithTx hold the lock around it.
type memTx struct {
	t *tables
}

func (m *MemoryStore) locked() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (tx *memTx) GetUser(id uint) (model.User, bool, error) {
	u, ok := tx.t.users[id]
	return u, ok, nil
}

func (tx *memTx) GetOrg(id uint) (model.Organization, bool, error) {
	o, ok := tx.t.orgs[id]
	return o, ok, nil
}

func (tx *memTx) GetOrgUser(orgID, userID uint) (model.OrgUser, bool, error) {
	ou, ok := tx.t.orgUsers[pairKey{orgID, userID}]
	return ou, ok, nil
}

func (tx *memTx) ListOrgMemberships(userID uint) ([]model.OrgUser, error) {
	var out []model.OrgUser
	for _, ou := range tx.t.orgUsers {
		if ou.UserID == userID {
			out = append(out, ou)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

func (tx *memTx) GetRole(id uint) (model.Role, bool, error) {
	r, ok := tx.t.roles[id]
	return r, ok, nil
}

func (tx *memTx) GetAdminRole(orgID uint) (model.Role, bool, error) {
	for _, r := range tx.t.roles {
		if r.OrgID == orgID && r.IsAdmin {
			return r, true, nil
		}
	}
	return model.Role{}, false, nil
}

func (tx *memTx) ListExitNodes() ([]model.ExitNode, error) {
	var out []model.ExitNode
	for _, n := range tx.t.exitNodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetExitNode(id uint) (model.ExitNode, bool, error) {
	n, ok := tx.t.exitNodes[id]
	return n, ok, nil
}

func (tx *memTx) GetExitNodeByName(name string) (model.ExitNode, bool, error) {
	for _, n := range tx.t.exitNodes {
		if n.Name == name {
			return n, true, nil
		}
	}
	return model.ExitNode{}, false, nil
}

func (tx *memTx) SetExitNodeOnline(id uint, online bool, at time.Time) error {
	n, ok := tx.t.exitNodes[id]
	if !ok {
		return fmt.Errorf("exit node %d not found", id)
	}
	n.Online = online
	ts := at
	n.LastPing = &ts
	tx.t.exitNodes[id] = n
	return nil
}

func (tx *memTx) ListSitesByOrg(orgID uint) ([]model.Site, error) {
	var out []model.Site
	for _, s := range tx.t.sites {
		if s.OrgID == orgID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetSiteByPublicKey(publicKey string) (model.Site, bool, error) {
	for _, s := range tx.t.sites {
		if s.PublicKey == publicKey {
			return s, true, nil
		}
	}
	return model.Site{}, false, nil
}

func (tx *memTx) AddSiteBandwidth(siteID uint, mbIn, mbOut float64, at time.Time) error {
	s, ok := tx.t.sites[siteID]
	if !ok {
		return fmt.Errorf("site %d not found", siteID)
	}
	s.MegabytesIn += mbIn
	s.MegabytesOut += mbOut
	ts := at
	s.LastBandwidthUpdate = &ts
	s.Online = true
	tx.t.sites[siteID] = s
	return nil
}

func (tx *memTx) SetSiteOnline(siteID uint, online bool) error {
	s, ok := tx.t.sites[siteID]
	if !ok {
		return fmt.Errorf("site %d not found", siteID)
	}
	s.Online = online
	tx.t.sites[siteID] = s
	return nil
}

func (tx *memTx) GetClient(id uint) (model.Client, bool, error) {
	c, ok := tx.t.clients[id]
	return c, ok, nil
}

func (tx *memTx) GetClientByOrgOlm(orgID uint, olmID string) (model.Client, bool, error) {
	for _, c := range tx.t.clients {
		if c.OrgID == orgID && c.OlmID != nil && *c.OlmID == olmID {
			return c, true, nil
		}
	}
	return model.Client{}, false, nil
}

func (tx *memTx) ListClientsByOlm(olmID string) ([]model.Client, error) {
	var out []model.Client
	for _, c := range tx.t.clients {
		if c.OlmID != nil && *c.OlmID == olmID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) CreateClient(c *model.Client) error {
	for _, existing := range tx.t.clients {
		if existing.OrgID == c.OrgID && existing.Subnet == c.Subnet {
			return fmt.Errorf("subnet %s already taken in org %d", c.Subnet, c.OrgID)
		}
	}
	c.ID = tx.t.nextClientID
	tx.t.nextClientID++
	c.CreatedAt = time.Now()
	tx.t.clients[c.ID] = *c
	return nil
}

func (tx *memTx) DeleteClient(id uint) error {
	delete(tx.t.clients, id)
	for k := range tx.t.roleClients {
		if k.b == id {
			delete(tx.t.roleClients, k)
		}
	}
	for k := range tx.t.userClients {
		if k.b == id {
			delete(tx.t.userClients, k)
		}
	}
	for k := range tx.t.clientSites {
		if k.a == id {
			delete(tx.t.clientSites, k)
		}
	}
	return nil
}

func (tx *memTx) UpdateClientPing(id uint, at time.Time) error {
	c, ok := tx.t.clients[id]
	if !ok {
		return fmt.Errorf("client %d not found", id)
	}
	ts := at
	c.LastPing = &ts
	c.Online = true
	tx.t.clients[id] = c
	return nil
}

func (tx *memTx) MarkStaleClientsOffline(cutoff time.Time) ([]model.Client, error) {
	var stale []model.Client
	for id, c := range tx.t.clients {
		if c.Online && (c.LastPing == nil || c.LastPing.Before(cutoff)) {
			c.Online = false
			tx.t.clients[id] = c
			stale = append(stale, c)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

func (tx *memTx) UsedSubnets(orgID uint) ([]string, error) {
	var out []string
	for _, c := range tx.t.clients {
		if c.OrgID == orgID {
			out = append(out, c.Subnet)
		}
	}
	for _, s := range tx.t.sites {
		if s.OrgID == orgID {
			out = append(out, s.Subnet)
		}
	}
	return out, nil
}

func (tx *memTx) GetOlm(id string) (model.Olm, bool, error) {
	o, ok := tx.t.olms[id]
	return o, ok, nil
}

func (tx *memTx) ListOlmsByUser(userID uint) ([]model.Olm, error) {
	var out []model.Olm
	for _, o := range tx.t.olms {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) SetOlmClient(olmID string, clientID *uint) error {
	o, ok := tx.t.olms[olmID]
	if !ok {
		return fmt.Errorf("olm %s not found", olmID)
	}
	o.ClientID = clientID
	tx.t.olms[olmID] = o
	return nil
}

func (tx *memTx) UpsertRoleClient(roleID, clientID uint) error {
	tx.t.roleClients[pairKey{roleID, clientID}] = model.RoleClient{RoleID: roleID, ClientID: clientID}
	return nil
}

func (tx *memTx) UpsertUserClient(userID, clientID uint) error {
	tx.t.userClients[pairKey{userID, clientID}] = model.UserClient{UserID: userID, ClientID: clientID}
	return nil
}

func (tx *memTx) ListRoleClients(clientID uint) ([]model.RoleClient, error) {
	var out []model.RoleClient
	for _, rc := range tx.t.roleClients {
		if rc.ClientID == clientID {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (tx *memTx) ListUserClients(clientID uint) ([]model.UserClient, error) {
	var out []model.UserClient
	for _, uc := range tx.t.userClients {
		if uc.ClientID == clientID {
			out = append(out, uc)
		}
	}
	return out, nil
}

func (tx *memTx) DeleteClientSites(clientID uint) error {
	for k := range tx.t.clientSites {
		if k.a == clientID {
			delete(tx.t.clientSites, k)
		}
	}
	return nil
}

func (tx *memTx) CreateClientSite(clientID, siteID uint) error {
	tx.t.clientSites[pairKey{clientID, siteID}] = model.ClientSite{ClientID: clientID, SiteID: siteID}
	return nil
}

func (tx *memTx) AddUsage(orgID uint, featureID string, amount float64, at time.Time) (float64, error) {
	k := featKey{orgID, featureID}
	u := tx.t.usage[k]
	u.OrgID = orgID
	u.FeatureID = featureID
	u.Amount += amount
	u.UpdatedAt = at
	tx.t.usage[k] = u
	return u.Amount, nil
}

func (tx *memTx) GetLimit(orgID uint, featureID string) (model.OrgLimit, bool, error) {
	l, ok := tx.t.limits[featKey{orgID, featureID}]
	return l, ok, nil
}

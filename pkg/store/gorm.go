package store

import (
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"fleetwan/pkg/model"
)

// gormStore backs the Store interface with MySQL via gorm.
type gormStore struct {
	gormTx
}

type gormTx struct {
	db *gorm.DB
}

// Open connects to MySQL and runs migrations.
func Open(dsn string) (Store, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, _ := db.DB()
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(
		&model.Organization{}, &model.Role{}, &model.OrgUser{}, &model.User{},
		&model.ExitNode{}, &model.Site{}, &model.Client{}, &model.Olm{},
		&model.RoleClient{}, &model.UserClient{}, &model.ClientSite{},
		&model.OrgUsage{}, &model.OrgLimit{},
	); err != nil {
		return nil, err
	}
	return &gormStore{gormTx{db: db}}, nil
}

func (s *gormStore) WithTx(tx Tx, fn func(tx Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.db.Transaction(func(txdb *gorm.DB) error {
		return fn(&gormTx{db: txdb})
	})
}

func (t *gormTx) GetUser(id uint) (model.User, bool, error) {
	var u model.User
	ok, err := found(t.db.First(&u, id))
	return u, ok, err
}

func (t *gormTx) GetOrg(id uint) (model.Organization, bool, error) {
	var o model.Organization
	ok, err := found(t.db.First(&o, id))
	return o, ok, err
}

func (t *gormTx) GetOrgUser(orgID, userID uint) (model.OrgUser, bool, error) {
	var ou model.OrgUser
	ok, err := found(t.db.Where("org_id = ? AND user_id = ?", orgID, userID).First(&ou))
	return ou, ok, err
}

func (t *gormTx) ListOrgMemberships(userID uint) ([]model.OrgUser, error) {
	var out []model.OrgUser
	err := t.db.Where("user_id = ?", userID).Find(&out).Error
	return out, err
}

func (t *gormTx) GetRole(id uint) (model.Role, bool, error) {
	var r model.Role
	ok, err := found(t.db.First(&r, id))
	return r, ok, err
}

func (t *gormTx) GetAdminRole(orgID uint) (model.Role, bool, error) {
	var r model.Role
	ok, err := found(t.db.Where("org_id = ? AND is_admin = ?", orgID, true).First(&r))
	return r, ok, err
}

func (t *gormTx) ListExitNodes() ([]model.ExitNode, error) {
	var out []model.ExitNode
	err := t.db.Find(&out).Error
	return out, err
}

func (t *gormTx) GetExitNode(id uint) (model.ExitNode, bool, error) {
	var n model.ExitNode
	ok, err := found(t.db.First(&n, id))
	return n, ok, err
}

func (t *gormTx) GetExitNodeByName(name string) (model.ExitNode, bool, error) {
	var n model.ExitNode
	ok, err := found(t.db.Where("name = ?", name).First(&n))
	return n, ok, err
}

func (t *gormTx) SetExitNodeOnline(id uint, online bool, at time.Time) error {
	return t.db.Model(&model.ExitNode{}).Where("id = ?", id).
		Updates(map[string]interface{}{"online": online, "last_ping": at}).Error
}

func (t *gormTx) ListSitesByOrg(orgID uint) ([]model.Site, error) {
	var out []model.Site
	err := t.db.Where("org_id = ?", orgID).Find(&out).Error
	return out, err
}

func (t *gormTx) GetSiteByPublicKey(publicKey string) (model.Site, bool, error) {
	var s model.Site
	ok, err := found(t.db.Where("public_key = ?", publicKey).First(&s))
	return s, ok, err
}

func (t *gormTx) AddSiteBandwidth(siteID uint, mbIn, mbOut float64, at time.Time) error {
	return t.db.Model(&model.Site{}).Where("id = ?", siteID).
		Updates(map[string]interface{}{
			"megabytes_in":          gorm.Expr("megabytes_in + ?", mbIn),
			"megabytes_out":         gorm.Expr("megabytes_out + ?", mbOut),
			"last_bandwidth_update": at,
			"online":                true,
		}).Error
}

func (t *gormTx) SetSiteOnline(siteID uint, online bool) error {
	return t.db.Model(&model.Site{}).Where("id = ?", siteID).
		Update("online", online).Error
}

func (t *gormTx) GetClient(id uint) (model.Client, bool, error) {
	var c model.Client
	ok, err := found(t.db.First(&c, id))
	return c, ok, err
}

func (t *gormTx) GetClientByOrgOlm(orgID uint, olmID string) (model.Client, bool, error) {
	var c model.Client
	ok, err := found(t.db.Where("org_id = ? AND olm_id = ?", orgID, olmID).First(&c))
	return c, ok, err
}

func (t *gormTx) ListClientsByOlm(olmID string) ([]model.Client, error) {
	var out []model.Client
	err := t.db.Where("olm_id = ?", olmID).Find(&out).Error
	return out, err
}

func (t *gormTx) CreateClient(c *model.Client) error {
	return t.db.Create(c).Error
}

func (t *gormTx) DeleteClient(id uint) error {
	if err := t.db.Where("client_id = ?", id).Delete(&model.RoleClient{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("client_id = ?", id).Delete(&model.UserClient{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("client_id = ?", id).Delete(&model.ClientSite{}).Error; err != nil {
		return err
	}
	return t.db.Delete(&model.Client{}, id).Error
}

func (t *gormTx) UpdateClientPing(id uint, at time.Time) error {
	return t.db.Model(&model.Client{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_ping": at, "online": true}).Error
}

func (t *gormTx) MarkStaleClientsOffline(cutoff time.Time) ([]model.Client, error) {
	var stale []model.Client
	err := t.db.Transaction(func(txdb *gorm.DB) error {
		if err := txdb.Where("online = ? AND (last_ping IS NULL OR last_ping < ?)", true, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(stale))
		for _, c := range stale {
			ids = append(ids, c.ID)
		}
		return txdb.Model(&model.Client{}).Where("id IN ?", ids).
			Update("online", false).Error
	})
	return stale, err
}

func (t *gormTx) UsedSubnets(orgID uint) ([]string, error) {
	var out []string
	if err := t.db.Model(&model.Client{}).Where("org_id = ?", orgID).
		Pluck("subnet", &out).Error; err != nil {
		return nil, err
	}
	var sites []string
	if err := t.db.Model(&model.Site{}).Where("org_id = ?", orgID).
		Pluck("subnet", &sites).Error; err != nil {
		return nil, err
	}
	return append(out, sites...), nil
}

func (t *gormTx) GetOlm(id string) (model.Olm, bool, error) {
	var o model.Olm
	ok, err := found(t.db.Where("id = ?", id).First(&o))
	return o, ok, err
}

func (t *gormTx) ListOlmsByUser(userID uint) ([]model.Olm, error) {
	var out []model.Olm
	err := t.db.Where("user_id = ?", userID).Find(&out).Error
	return out, err
}

func (t *gormTx) SetOlmClient(olmID string, clientID *uint) error {
	return t.db.Model(&model.Olm{}).Where("id = ?", olmID).
		Update("client_id", clientID).Error
}

func (t *gormTx) UpsertRoleClient(roleID, clientID uint) error {
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RoleClient{RoleID: roleID, ClientID: clientID}).Error
}

func (t *gormTx) UpsertUserClient(userID, clientID uint) error {
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.UserClient{UserID: userID, ClientID: clientID}).Error
}

func (t *gormTx) ListRoleClients(clientID uint) ([]model.RoleClient, error) {
	var out []model.RoleClient
	err := t.db.Where("client_id = ?", clientID).Find(&out).Error
	return out, err
}

func (t *gormTx) ListUserClients(clientID uint) ([]model.UserClient, error) {
	var out []model.UserClient
	err := t.db.Where("client_id = ?", clientID).Find(&out).Error
	return out, err
}

func (t *gormTx) DeleteClientSites(clientID uint) error {
	return t.db.Where("client_id = ?", clientID).Delete(&model.ClientSite{}).Error
}

func (t *gormTx) CreateClientSite(clientID, siteID uint) error {
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ClientSite{ClientID: clientID, SiteID: siteID}).Error
}

func (t *gormTx) AddUsage(orgID uint, featureID string, amount float64, at time.Time) (float64, error) {
	res := t.db.Model(&model.OrgUsage{}).
		Where("org_id = ? AND feature_id = ?", orgID, featureID).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount + ?", amount),
			"updated_at": at,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		row := model.OrgUsage{OrgID: orgID, FeatureID: featureID, Amount: amount, UpdatedAt: at}
		if err := t.db.Create(&row).Error; err != nil {
			return 0, err
		}
		return amount, nil
	}
	var u model.OrgUsage
	if err := t.db.Where("org_id = ? AND feature_id = ?", orgID, featureID).First(&u).Error; err != nil {
		return 0, err
	}
	return u.Amount, nil
}

func (t *gormTx) GetLimit(orgID uint, featureID string) (model.OrgLimit, bool, error) {
	var l model.OrgLimit
	ok, err := found(t.db.Where("org_id = ? AND feature_id = ?", orgID, featureID).First(&l))
	return l, ok, err
}

// found collapses gorm's not-found error into a boolean.
func found(res *gorm.DB) (bool, error) {
	if res.Error == nil {
		return true, nil
	}
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, res.Error
}

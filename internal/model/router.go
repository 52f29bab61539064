package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asotonet/isp-billing/internal/netutil"
)

type Router struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Host            string     `gorm:"not null;uniqueIndex" json:"host"`
	Port            int        `gorm:"not null;default:8728" json:"port"`
	TLS             bool       `gorm:"column:tls" json:"tls"`
	Username        string     `gorm:"not null" json:"username"`
	PasswordEnc     string     `gorm:"column:password_enc;not null" json:"-"`
	CIDRs           string     `gorm:"column:cidr_ranges" json:"-"`
	IsActive        bool       `gorm:"not null" json:"is_active"`
	IsOnline        *bool      `json:"is_online"`
	LastCheckAt     *time.Time `json:"last_check_at,omitempty"`
	LastOnlineAt    *time.Time `json:"last_online_at,omitempty"`
	Identity        string     `json:"identity,omitempty"`
	RouterOSVersion string     `gorm:"column:routeros_version" json:"routeros_version,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func NewRouter(name, host string, port int, tls bool, username, passwordEnc string, cidrs []string) Router {
	return Router{
		ID:          uuid.NewString(),
		Name:        name,
		Host:        host,
		Port:        port,
		TLS:         tls,
		Username:    username,
		PasswordEnc: passwordEnc,
		CIDRs:       strings.Join(cidrs, ","),
		IsActive:    true,
	}
}

func (Router) TableName() string { return "routers" }

func (r Router) CIDRList() []string { return netutil.SplitCIDRs(r.CIDRs) }

func (r *Router) SetCIDRs(cidrs []string) { r.CIDRs = strings.Join(cidrs, ",") }

// PoolName is the shared PPP address pool for this router.
func (r Router) PoolName() string {
	return "pool-" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(r.Name)), " ", "-")
}

// KnownOffline is true only when the last probe failed. An unchecked router
// is not considered offline.
func (r Router) KnownOffline() bool { return r.IsOnline != nil && !*r.IsOnline }

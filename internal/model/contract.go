package model

import (
	"time"

	"github.com/google/uuid"
)

type ConnectionType string

const (
	IPoE  ConnectionType = "IPOE"
	PPPoE ConnectionType = "PPPOE"
)

type ContractState string

const (
	StateActive    ContractState = "ACTIVO"
	StateSuspended ContractState = "SUSPENDIDO"
	StateCancelled ContractState = "CANCELADO"
	StatePending   ContractState = "PENDIENTE"
)

// Enabled reports whether the state grants full access on the router.
func (s ContractState) Enabled() bool { return s == StateActive || s == StatePending }

func (s ContractState) Valid() bool {
	switch s {
	case StateActive, StateSuspended, StateCancelled, StatePending:
		return true
	}
	return false
}

func (t ConnectionType) Valid() bool { return t == IPoE || t == PPPoE }

type Contract struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	Number             string         `gorm:"not null;uniqueIndex" json:"number"`
	ClientName         string         `gorm:"not null" json:"client_name"`
	PlanID             string         `gorm:"index" json:"plan_id"`
	RouterID           *string        `gorm:"index" json:"router_id"`
	ConnectionType     ConnectionType `gorm:"column:connection_type;not null;default:IPOE" json:"connection_type"`
	State              ContractState  `gorm:"not null;default:PENDIENTE" json:"state"`
	IP                 *string        `gorm:"column:ip;index" json:"ip,omitempty"`
	PPPoEUser          *string        `gorm:"column:pppoe_user;index" json:"pppoe_user,omitempty"`
	PPPoEPasswordEnc   *string        `gorm:"column:pppoe_password_enc" json:"-"`
	PPPoERemoteAddress *string        `gorm:"column:pppoe_remote_address" json:"pppoe_remote_address,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func NewContract(number, clientName, planID string, typ ConnectionType) Contract {
	return Contract{
		ID:             uuid.NewString(),
		Number:         number,
		ClientName:     clientName,
		PlanID:         planID,
		ConnectionType: typ,
		State:          StatePending,
	}
}

func (Contract) TableName() string { return "contracts" }

// Comment is the text attached to router objects for this contract.
func (c Contract) Comment() string {
	if c.ClientName == "" {
		return c.Number
	}
	return c.ClientName + " - " + c.Number
}

func (c Contract) Router() string   { return deref(c.RouterID) }
func (c Contract) Address() string  { return deref(c.IP) }
func (c Contract) Username() string { return deref(c.PPPoEUser) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ptr returns nil for an empty string.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

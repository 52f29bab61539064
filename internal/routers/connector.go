package routers

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
)

// Cipher decrypts stored credentials on demand.
type Cipher interface {
	EncryptString(plain string) (string, error)
	DecryptString(enc string) (string, error)
}

// Connector turns a router record into a control service. Plaintext
// credentials live only in the returned client.
type Connector struct {
	cipher  Cipher
	timeout time.Duration
	log     *zap.Logger
}

func NewConnector(cipher Cipher, timeout time.Duration, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{cipher: cipher, timeout: timeout, log: log}
}

func (c *Connector) Config(r model.Router) (mikrotik.Config, error) {
	pass, err := c.cipher.DecryptString(r.PasswordEnc)
	if err != nil {
		return mikrotik.Config{}, fmt.Errorf("decrypt credentials for router %s: %w", r.Name, err)
	}
	return mikrotik.Config{
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Password: pass,
		TLS:      r.TLS,
		Timeout:  c.timeout,
	}, nil
}

func (c *Connector) Control(r model.Router) (*mikrotik.Service, error) {
	cfg, err := c.Config(r)
	if err != nil {
		return nil, err
	}
	return mikrotik.NewService(mikrotik.NewClient(cfg), c.log.With(zap.String("router_id", r.ID))), nil
}

func (c *Connector) Cipher() Cipher { return c.cipher }

package mikrotik

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/go-routeros/routeros/v3"
)

const (
	DefaultPort    = 8728
	DefaultTLSPort = 8729
	DefaultTimeout = 10 * time.Second
)

// ErrConnection marks transport and authentication failures.
var ErrConnection = errors.New("mikrotik: connection failed")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Timeout  time.Duration
}

func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
		if c.TLS {
			port = DefaultTLSPort
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Client talks to one router. Every call dials a fresh session and closes it
// before returning; nothing is pooled.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) Config() Config { return c.cfg }

// Do runs fn on a freshly authenticated session.
func (c *Client) Do(ctx context.Context, fn func(*Session) error) error {
	s, err := Dial(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (c *Client) Query(ctx context.Context, path string, filters map[string]string) ([]Record, error) {
	var out []Record
	err := c.Do(ctx, func(s *Session) error {
		var err error
		out, err = s.Query(path, filters)
		return err
	})
	return out, err
}

func (c *Client) Add(ctx context.Context, path string, fields map[string]string) (string, error) {
	var id string
	err := c.Do(ctx, func(s *Session) error {
		var err error
		id, err = s.Add(path, fields)
		return err
	})
	return id, err
}

func (c *Client) Update(ctx context.Context, path, id string, fields map[string]string) error {
	return c.Do(ctx, func(s *Session) error { return s.Update(path, id, fields) })
}

func (c *Client) Remove(ctx context.Context, path, id string) error {
	return c.Do(ctx, func(s *Session) error { return s.Remove(path, id) })
}

// Session is a single authenticated API connection. It is bound to the
// context it was dialed with: cancelling that context interrupts whatever
// call is in flight.
type Session struct {
	ctx     context.Context
	conn    net.Conn
	ros     *routeros.Client
	timeout time.Duration
	addr    string
	stop    func() bool
}

// Dial connects, optionally wraps the socket in TLS, and logs in.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	addr := cfg.Address()
	timeout := cfg.timeout()

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	raw := conn
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Unix(1, 0)) })

	if cfg.TLS {
		tc := tls.Client(conn, tlsConfig(cfg.Host))
		if err := tc.HandshakeContext(ctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, fmt.Errorf("%w: tls handshake %s: %w", ErrConnection, addr, err)
		}
		conn = tc
	}

	ros, err := routeros.NewClient(conn)
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr, err)
	}
	if err := ros.LoginContext(ctx, cfg.Username, cfg.Password); err != nil {
		stop()
		_ = ros.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: login %s: %w", ErrConnection, addr, err)
	}
	return &Session{ctx: ctx, conn: raw, ros: ros, timeout: timeout, addr: addr, stop: stop}, nil
}

// RouterOS ships self-signed certificates and older firmware only offers
// legacy suites, so verification is skipped and every suite is allowed.
func tlsConfig(host string) *tls.Config {
	suites := make([]uint16, 0, 32)
	for _, s := range tls.CipherSuites() {
		suites = append(suites, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		suites = append(suites, s.ID)
	}
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       suites,
	}
}

func (s *Session) Close() {
	if s == nil || s.ros == nil {
		return
	}
	if s.stop != nil {
		s.stop()
	}
	_ = s.ros.Close()
}

func (s *Session) run(words ...string) (*routeros.Reply, error) {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	// checked after the deadline is armed so a cancellation racing with it
	// cannot be overwritten
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnection, s.addr, words[0], err)
	}
	rep, err := s.ros.RunContext(s.ctx, words...)
	if err != nil {
		var dev *routeros.DeviceError
		if errors.As(err, &dev) {
			return nil, fmt.Errorf("%s: %w", words[0], err)
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnection, s.addr, words[0], err)
	}
	return rep, nil
}

// Query prints every record under path. Filters are sent as API queries and
// re-applied locally, so firmware that ignores a query word still yields
// correct results.
func (s *Session) Query(path string, filters map[string]string) ([]Record, error) {
	words := []string{path + "/print"}
	for _, k := range sortedKeys(filters) {
		words = append(words, "?"+k+"="+filters[k])
	}
	rep, err := s.run(words...)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rep.Re))
	for _, re := range rep.Re {
		r := fromSentence(re.List)
		if r.Matches(filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Find returns the first record under path matching filters.
func (s *Session) Find(path string, filters map[string]string) (Record, bool, error) {
	recs, err := s.Query(path, filters)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return recs[0], true, nil
}

// Add creates a record and returns the router-assigned .id.
func (s *Session) Add(path string, fields map[string]string) (string, error) {
	rep, err := s.run(append([]string{path + "/add"}, attrWords(fields)...)...)
	if err != nil {
		return "", err
	}
	if rep.Done != nil {
		return rep.Done.Map["ret"], nil
	}
	return "", nil
}

func (s *Session) Update(path, id string, fields map[string]string) error {
	words := append([]string{path + "/set", "=.id=" + id}, attrWords(fields)...)
	_, err := s.run(words...)
	return err
}

// Unset clears a property so the router falls back to its default.
func (s *Session) Unset(path, id, property string) error {
	_, err := s.run(path+"/unset", "=.id="+id, "=value-name="+property)
	return err
}

func (s *Session) Remove(path, id string) error {
	_, err := s.run(path+"/remove", "=.id="+id)
	return err
}

func attrWords(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		out = append(out, "="+k+"="+fields[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

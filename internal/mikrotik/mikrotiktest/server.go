// Package mikrotiktest runs an in-process RouterOS API endpoint for tests.
// It speaks the real word/sentence framing and keeps address-lists, pools and
// PPP tables in memory.
package mikrotiktest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-routeros/routeros/v3/proto"
)

const (
	DefaultUser     = "admin"
	DefaultPassword = "s3cret"
)

// uniqueKeys lists the attributes RouterOS refuses to duplicate per table.
var uniqueKeys = map[string][]string{
	"/ip/firewall/address-list": {"list", "address"},
	"/ip/pool":                  {"name"},
	"/ppp/profile":              {"name"},
	"/ppp/secret":               {"name"},
}

type Command struct {
	Word  string
	Attrs map[string]string
	Query []proto.Pair
}

type row struct {
	id    string
	attrs []proto.Pair
}

func (r *row) get(key string) (string, bool) {
	for _, p := range r.attrs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (r *row) matches(query []proto.Pair) bool {
	for _, q := range query {
		if v, ok := r.get(q.Key); !ok || v != q.Value {
			return false
		}
	}
	return true
}

func (r *row) set(key, value string) {
	for i := range r.attrs {
		if r.attrs[i].Key == key {
			r.attrs[i].Value = value
			return
		}
	}
	r.attrs = append(r.attrs, proto.Pair{Key: key, Value: value})
}

func (r *row) unset(key string) {
	for i := range r.attrs {
		if r.attrs[i].Key == key {
			r.attrs = append(r.attrs[:i], r.attrs[i+1:]...)
			return
		}
	}
}

type Server struct {
	ln net.Listener

	mu       sync.Mutex
	user     string
	password string
	identity string
	version  string
	board    string
	tables   map[string][]*row
	seq      int
	traps    map[string]string
	stalls   map[string]bool
	commands []Command
	accepted int
	open     map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer listens on a loopback port and stops when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("mikrotiktest: listen: %v", err)
	}
	return start(tb, ln)
}

// NewTLSServer is NewServer behind TLS with a freshly generated self-signed
// certificate, like the api-ssl service of a router with no imported cert.
func NewTLSServer(tb testing.TB) *Server {
	tb.Helper()
	cert, err := selfSigned()
	if err != nil {
		tb.Fatalf("mikrotiktest: certificate: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("mikrotiktest: listen: %v", err)
	}
	return start(tb, tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}}))
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "router"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func start(tb testing.TB, ln net.Listener) *Server {
	s := &Server{
		ln:       ln,
		user:     DefaultUser,
		password: DefaultPassword,
		identity: "MikroTik",
		version:  "7.14.3 (stable)",
		board:    "RB5009UG+S+",
		tables:   make(map[string][]*row),
		traps:    make(map[string]string),
		stalls:   make(map[string]bool),
		open:     make(map[net.Conn]struct{}),
	}
	for path := range uniqueKeys {
		s.tables[path] = nil
	}
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string { return s.ln.Addr().(*net.TCPAddr).IP.String() }
func (s *Server) Port() int    { return s.ln.Addr().(*net.TCPAddr).Port }
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) SetCredentials(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.password = user, password
}

func (s *Server) SetSystem(identity, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity, s.version = identity, version
}

// FailOn makes every future command with the given word (for example
// "/ppp/secret/add") answer with a trap carrying message.
func (s *Server) FailOn(word, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traps[word] = message
}

// Stall makes every future command with the given word go unanswered, so
// the caller blocks until it gives up.
func (s *Server) Stall(word string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[word] = true
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.traps)
	clear(s.stalls)
}

func (s *Server) stalled(word string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls[word]
}

// Seed inserts a row directly and returns its id.
func (s *Server) Seed(path string, attrs map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &row{id: s.nextID()}
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		r.attrs = append(r.attrs, proto.Pair{Key: k, Value: attrs[k]})
	}
	s.tables[path] = append(s.tables[path], r)
	return r.id
}

// Records returns a copy of every row under path, ".id" included.
func (s *Server) Records(path string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, 0, len(s.tables[path]))
	for _, r := range s.tables[path] {
		m := map[string]string{".id": r.id}
		for _, p := range r.attrs {
			m[p.Key] = p.Value
		}
		out = append(out, m)
	}
	return out
}

func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Words returns the command words received so far, logins excluded.
func (s *Server) Words() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.commands))
	for _, c := range s.commands {
		if c.Word != "/login" {
			out = append(out, c.Word)
		}
	}
	return out
}

func (s *Server) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// Connections is the number of sessions accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitIdle waits until every accepted session has been closed by the peer.
func (s *Server) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		n := len(s.open)
		s.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.open {
		_ = c.Close()
	}
	s.mu.Unlock()
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.accepted++
		s.open[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.open, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := proto.NewWriter(conn)
	authed := false
	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}
		if req.word == "" || s.stalled(req.word) {
			continue
		}
		var replies [][]string
		switch {
		case req.word == "/login":
			replies, authed = s.login(req)
		case !authed:
			replies = trap("not logged in")
		default:
			replies = s.dispatch(req)
		}
		for _, words := range replies {
			w.BeginSentence()
			for _, word := range words {
				w.WriteWord(word)
			}
			if err := w.EndSentence(); err != nil {
				return
			}
		}
	}
}

func (s *Server) login(req *request) ([][]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, Command{Word: req.word, Attrs: map[string]string{"name": req.attr("name")}})
	if req.attr("name") != s.user || req.attr("password") != s.password {
		return trap("invalid user name or password (6)"), false
	}
	return [][]string{{"!done"}}, true
}

func (s *Server) dispatch(req *request) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := req.attrMap()
	s.commands = append(s.commands, Command{Word: req.word, Attrs: attrs, Query: req.query})

	if msg, ok := s.traps[req.word]; ok {
		return trap(msg)
	}

	i := strings.LastIndex(req.word, "/")
	if i <= 0 {
		return trap("no such command")
	}
	path, verb := req.word[:i], req.word[i+1:]

	switch path {
	case "/system/identity":
		if verb == "print" {
			return [][]string{{"!re", "=name=" + s.identity}, {"!done"}}
		}
	case "/system/resource":
		if verb == "print" {
			return [][]string{{"!re", "=version=" + s.version, "=board-name=" + s.board, "=uptime=1d2h3m"}, {"!done"}}
		}
	}

	rows, ok := s.tables[path]
	if !ok {
		return trap("no such command prefix")
	}

	switch verb {
	case "print":
		out := make([][]string, 0, len(rows)+1)
		for _, r := range rows {
			if !r.matches(req.query) {
				continue
			}
			words := []string{"!re", "=.id=" + r.id}
			for _, p := range r.attrs {
				words = append(words, "="+p.Key+"="+p.Value)
			}
			out = append(out, words)
		}
		return append(out, []string{"!done"})

	case "add":
		if s.duplicate(path, attrs, "") {
			return trap("failure: already have such entry")
		}
		r := &row{id: s.nextID()}
		for _, p := range req.attrs {
			r.set(p.Key, p.Value)
		}
		s.tables[path] = append(rows, r)
		return [][]string{{"!done", "=ret=" + r.id}}

	case "set", "unset", "remove":
		id := attrs[".id"]
		idx := -1
		for n, r := range rows {
			if r.id == id {
				idx = n
				break
			}
		}
		if idx < 0 {
			return trap("no such item")
		}
		target := rows[idx]
		switch verb {
		case "set":
			next := map[string]string{}
			for _, p := range target.attrs {
				next[p.Key] = p.Value
			}
			maps.Copy(next, attrs)
			if s.duplicate(path, next, id) {
				return trap("failure: already have such entry")
			}
			for _, p := range req.attrs {
				if p.Key != ".id" {
					target.set(p.Key, p.Value)
				}
			}
		case "unset":
			target.unset(attrs["value-name"])
		case "remove":
			s.tables[path] = append(rows[:idx:idx], rows[idx+1:]...)
		}
		return [][]string{{"!done"}}
	}
	return trap(fmt.Sprintf("unknown command %s", verb))
}

func (s *Server) duplicate(path string, attrs map[string]string, self string) bool {
	keys := uniqueKeys[path]
	if len(keys) == 0 {
		return false
	}
	for _, r := range s.tables[path] {
		if r.id == self {
			continue
		}
		same := true
		for _, k := range keys {
			v, _ := r.get(k)
			if v != attrs[k] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func (s *Server) nextID() string {
	s.seq++
	return "*" + strings.ToUpper(strconv.FormatInt(int64(s.seq), 16))
}

func trap(msg string) [][]string {
	return [][]string{{"!trap", "=message=" + msg}, {"!done"}}
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/horgh/irc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-process record API. Tokens encode the username so
// per-user access levels survive into describe calls.
type fakeBackend struct {
	mu      sync.Mutex
	access  map[string]string
	records map[string][]map[string]interface{}
	counts  map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		access:  make(map[string]string),
		records: make(map[string][]map[string]interface{}),
		counts:  make(map[string]int),
	}
}

func (f *fakeBackend) userFromRequest(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer tok-")
}

func (f *fakeBackend) accessFor(user string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, exists := f.access[user]; exists {
		return a
	}
	return AccessRead
}

func (f *fakeBackend) schemaRecords(schema string) ([]map[string]interface{},
	bool,
) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, exists := f.records[schema]
	return recs, exists
}

func (f *fakeBackend) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/login", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)

		user := body["username"]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{
				"token":  "tok-" + user,
				"access": f.accessFor(user),
			},
		})
	})

	r.Get("/api/data/{schema}", func(w http.ResponseWriter, req *http.Request) {
		recs, exists := f.schemaRecords(chi.URLParam(req, "schema"))
		if !exists {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": recs})
	})

	r.Get("/api/data/{schema}/{id}", func(w http.ResponseWriter,
		req *http.Request,
	) {
		recs, exists := f.schemaRecords(chi.URLParam(req, "schema"))
		if !exists {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		for _, rec := range recs {
			if rec["id"] == chi.URLParam(req, "id") {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": rec})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})

	r.Post("/api/find/{schema}", func(w http.ResponseWriter, req *http.Request) {
		recs, exists := f.schemaRecords(chi.URLParam(req, "schema"))
		if !exists {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": recs})
	})

	r.Post("/api/aggregate/{schema}", func(w http.ResponseWriter,
		req *http.Request,
	) {
		schema := chi.URLParam(req, "schema")
		recs, exists := f.schemaRecords(schema)
		if !exists {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		agg, _ := body["aggregate"].(map[string]interface{})

		if _, isStats := agg["total_records"]; isStats {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"total_records": len(recs)},
				},
			})
			return
		}

		f.mu.Lock()
		total, hasCount := f.counts[schema]
		f.mu.Unlock()
		if !hasCount {
			total = len(recs)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"total": total}},
		})
	})

	r.Get("/api/describe/schema/{schema}", func(w http.ResponseWriter,
		req *http.Request,
	) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access": f.accessFor(f.userFromRequest(req)),
		})
	})

	r.Post("/api/file/retrieve", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("file contents"))
	})

	return r
}

type testHarness struct {
	server  *Server
	backend *fakeBackend
	addr    string
}

func newTestHarness(t *testing.T) *testHarness {
	backend := newFakeBackend()

	api := httptest.NewServer(backend.router())
	t.Cleanup(api.Close)

	logger := zerolog.Nop()
	s := &Server{
		Config: Config{
			ListenHost:  "127.0.0.1",
			ListenPort:  "0",
			ServerName:  "irc.test",
			ServerInfo:  "Test bridge",
			Version:     "1.0.0",
			CreatedDate: "2026-01-01",
			MOTD:        []string{"welcome"},
			BackendURL:  api.URL,
		},
		Registry:     NewRegistry(),
		ShutdownChan: make(chan struct{}),
		clients:      make(map[uint64]*Client),
		log:          logger,
	}
	s.Backend = NewBackend(api.URL, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.Listener = ln

	go s.acceptConnections()

	t.Cleanup(func() {
		s.shutdown()
		s.WG.Wait()
	})

	return &testHarness{server: s, backend: backend, addr: ln.Addr().String()}
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *testHarness) dial(t *testing.T) *testConn {
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (tc *testConn) sendf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(tc.conn, format+"\r\n", args...)
	require.NoError(tc.t, err)
}

// readMessage reads and parses one line from the server. A message tag
// prefix (server-time) is stripped before parsing.
func (tc *testConn) readMessage() irc.Message {
	require.NoError(tc.t,
		tc.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	line, err := tc.r.ReadString('\n')
	require.NoError(tc.t, err, "reading from server")

	if strings.HasPrefix(line, "@") {
		idx := strings.Index(line, " ")
		require.NotEqual(tc.t, -1, idx)
		line = line[idx+1:]
	}

	m, err := irc.ParseMessage(line)
	if err != nil && err != irc.ErrTruncated {
		tc.t.Fatalf("parsing %q: %s", line, err)
	}
	return m
}

// readRawLine reads one line without parsing.
func (tc *testConn) readRawLine() string {
	require.NoError(tc.t,
		tc.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	line, err := tc.r.ReadString('\n')
	require.NoError(tc.t, err)
	return line
}

// waitFor reads until a message with the given command arrives.
func (tc *testConn) waitFor(command string) irc.Message {
	for i := 0; i < 100; i++ {
		m := tc.readMessage()
		if m.Command == command {
			return m
		}
	}
	tc.t.Fatalf("never saw %s", command)
	return irc.Message{}
}

// assertSilent verifies nothing arrives within a short window.
func (tc *testConn) assertSilent() {
	_ = tc.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	line, err := tc.r.ReadString('\n')
	if err == nil {
		tc.t.Fatalf("expected silence, got %q", line)
	}
	netErr, ok := err.(net.Error)
	require.True(tc.t, ok && netErr.Timeout(), "read failed: %s", err)
}

// register drives extended-NICK registration and drains the welcome burst.
func (tc *testConn) register(nick, username, tenant string) {
	tc.sendf("NICK %s!%s@%s", nick, username, tenant)
	tc.waitFor("001")
	tc.waitFor("376")
}

func TestRegistrationExtendedNick(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.sendf("NICK alice!root@acme")

	m := tc.readMessage()
	require.Equal(t, "001", m.Command)
	assert.Equal(t, "irc.test", m.Prefix)
	require.Len(t, m.Params, 2)
	assert.Equal(t, "alice", m.Params[0])
	assert.Equal(t, "Welcome to the IRC Network alice!root@acme", m.Params[1])

	for _, want := range []string{"002", "003", "004", "375", "372", "376"} {
		m = tc.readMessage()
		assert.Equal(t, want, m.Command)
	}
}

func TestRegistrationSplitNickUser(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.sendf("NICK alice")
	tc.sendf("USER root@acme 0 * :Alice Example")

	m := tc.waitFor("001")
	assert.Equal(t, "Welcome to the IRC Network alice!root@acme", m.Params[1])
}

func TestRegistrationRequiresTenant(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.sendf("NICK alice")
	tc.sendf("USER root 0 * :Alice")

	m := tc.waitFor("421")
	assert.Contains(t, m.Params[len(m.Params)-1], "no tenant")
}

func TestRegistrationNickCollision(t *testing.T) {
	h := newTestHarness(t)

	tc1 := h.dial(t)
	tc1.register("alice", "root", "acme")

	tc2 := h.dial(t)
	tc2.sendf("NICK alice!bob@acme")

	m := tc2.waitFor("433")
	assert.Equal(t, "Nickname is already in use", m.Params[len(m.Params)-1])
}

func TestUnregisteredCommandRejected(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.sendf("JOIN #users")

	m := tc.waitFor("451")
	assert.Equal(t, "You have not registered", m.Params[len(m.Params)-1])
}

func TestCapNegotiation(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.sendf("CAP LS 302")

	m := tc.readMessage()
	require.Equal(t, "CAP", m.Command)
	assert.Equal(t, []string{"*", "LS", strings.Join(supportedCaps, " ")},
		m.Params)

	// Registration is held open until CAP END.
	tc.sendf("NICK alice!root@acme")
	tc.assertSilent()

	tc.sendf("CAP REQ :multi-prefix extended-join")
	m = tc.readMessage()
	require.Equal(t, "CAP", m.Command)
	assert.Equal(t, "ACK", m.Params[1])
	assert.Equal(t, "multi-prefix extended-join", m.Params[2])

	tc.sendf("CAP END")
	tc.waitFor("001")
}

func TestCapReqUnknownIsNak(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.register("alice", "root", "acme")

	tc.sendf("CAP REQ :multi-prefix bogus-cap")
	m := tc.waitFor("CAP")
	assert.Equal(t, "NAK", m.Params[1])
}

func TestServerTimeTag(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.register("alice", "root", "acme")

	tc.sendf("CAP REQ :server-time")
	tc.waitFor("CAP")

	tc.sendf("PING :x")
	line := tc.readRawLine()
	assert.True(t, strings.HasPrefix(line, "@time="), "line %q", line)
}

func TestJoinSchemaChannel(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{
		{"id": "1"}, {"id": "2"}, {"id": "3"},
	}

	tc := h.dial(t)
	tc.register("alice", "root", "acme")

	tc.sendf("JOIN #users")

	m := tc.readMessage()
	require.Equal(t, "JOIN", m.Command)
	assert.Equal(t, "alice!root@acme", m.Prefix)
	assert.Equal(t, "#users", m.Params[0])

	// Topic synthesized from schema metadata.
	m = tc.readMessage()
	require.Equal(t, "332", m.Command)
	assert.Equal(t, []string{"alice", "#users", "3 records"}, m.Params)

	// First member gets ops.
	m = tc.readMessage()
	require.Equal(t, "353", m.Command)
	assert.Equal(t, []string{"alice", "=", "#users", "@alice"}, m.Params)

	m = tc.readMessage()
	assert.Equal(t, "366", m.Command)
}

func TestJoinRecordChannel(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "42"}}

	tc := h.dial(t)
	tc.register("alice", "root", "acme")

	tc.sendf("JOIN #users/42")
	m := tc.readMessage()
	require.Equal(t, "JOIN", m.Command)
	assert.Equal(t, "#users/42", m.Params[0])
	tc.waitFor("366")

	// A record that doesn't exist can't be joined.
	tc.sendf("JOIN #users/99")
	m = tc.waitFor("403")
	assert.Equal(t, "Record not found", m.Params[len(m.Params)-1])
}

func TestJoinInaccessibleSchema(t *testing.T) {
	h := newTestHarness(t)

	tc := h.dial(t)
	tc.register("alice", "root", "acme")

	tc.sendf("JOIN #secrets")
	m := tc.waitFor("403")
	assert.Equal(t, "Access denied", m.Params[len(m.Params)-1])
}

func TestTenantIsolation(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #users")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "globex")
	bob.sendf("JOIN #users")
	m := bob.waitFor("353")
	// Bob sees only himself, not acme's member.
	assert.Equal(t, "@bob", m.Params[len(m.Params)-1])
	bob.waitFor("366")

	carol := h.dial(t)
	carol.register("carol", "carol", "acme")
	carol.sendf("JOIN #users")
	carol.waitFor("366")
	alice.waitFor("JOIN")

	alice.sendf("PRIVMSG #users :hello acme")

	// Same tenant receives it.
	m = carol.waitFor("PRIVMSG")
	assert.Equal(t, "alice!root@acme", m.Prefix)
	assert.Equal(t, []string{"#users", "hello acme"}, m.Params)

	// The other tenant's identically named channel hears nothing.
	bob.assertSilent()

	// A @tenant routing tag is refused without the tenant-aware
	// capability. It must not fall through to the sender's own tenant.
	alice.sendf("PRIVMSG #users@acme :tagged")
	m = alice.waitFor("403")
	assert.Equal(t, "#users@acme", m.Params[1])
	carol.assertSilent()
}

func TestTenantAwarePlane(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice := h.dial(t)
	alice.register("alice", "root", "acme")

	ops := h.dial(t)
	ops.register("ops", "admin", "system")
	ops.sendf("CAP REQ :tenant-aware")

	// The ACK comes first, then the tenant snapshot.
	m := ops.readMessage()
	require.Equal(t, "CAP", m.Command)
	assert.Equal(t, "ACK", m.Params[1])

	m = ops.readMessage()
	require.Equal(t, "TENANTS", m.Command)
	assert.Equal(t, []string{"ops", "acme,system"}, m.Params)

	// Tenant lifecycle notifications.
	dave := h.dial(t)
	dave.register("dave", "dave", "globex")
	m = ops.waitFor("TENANTJOIN")
	assert.Equal(t, []string{"globex"}, m.Params)

	dave.sendf("QUIT :done")
	m = ops.waitFor("TENANTPART")
	assert.Equal(t, []string{"globex"}, m.Params)

	// Channel traffic fans out with the tenant routing tag.
	alice.sendf("JOIN #users")
	alice.waitFor("366")
	alice.sendf("PRIVMSG #users :standup time")

	m = ops.waitFor("PRIVMSG")
	assert.Equal(t, "alice!root@acme", m.Prefix)
	assert.Equal(t, []string{"#users@acme", "standup time"}, m.Params)
}

func TestKickPermissions(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["tickets"] = []map[string]interface{}{{"id": "1"}}
	h.backend.access["root"] = AccessRoot
	h.backend.access["bob"] = AccessEdit
	h.backend.access["carol"] = AccessRead

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #tickets")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #tickets")
	bob.waitFor("366")

	carol := h.dial(t)
	carol.register("carol", "carol", "acme")
	carol.sendf("JOIN #tickets")
	carol.waitFor("366")

	// Read access, no channel role: kick refused.
	carol.sendf("KICK #tickets bob")
	m := carol.waitFor("482")
	assert.Equal(t, "You're not channel operator", m.Params[len(m.Params)-1])

	// Not an operator, but schema-level edit access allows moderation.
	bob.sendf("KICK #tickets carol :cleanup")
	m = bob.waitFor("KICK")
	assert.Equal(t, "bob!bob@acme", m.Prefix)
	assert.Equal(t, []string{"#tickets", "carol", "cleanup"}, m.Params)

	m = carol.waitFor("KICK")
	assert.Equal(t, []string{"#tickets", "carol", "cleanup"}, m.Params)
}

func TestModeratedChannel(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["tickets"] = []map[string]interface{}{{"id": "1"}}
	h.backend.access["root"] = AccessRoot

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #tickets")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #tickets")
	bob.waitFor("366")

	alice.sendf("MODE #tickets +m")
	m := bob.waitFor("MODE")
	assert.Equal(t, []string{"#tickets", "+m"}, m.Params)

	// Bob has no voice.
	bob.sendf("PRIVMSG #tickets :can anyone hear me")
	m = bob.waitFor("404")
	assert.Contains(t, m.Params[len(m.Params)-1], "Cannot send to channel")
}

func TestPrivateMessageAndAway(t *testing.T) {
	h := newTestHarness(t)

	alice := h.dial(t)
	alice.register("alice", "root", "acme")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")

	alice.sendf("PRIVMSG bob :hi bob")
	m := bob.waitFor("PRIVMSG")
	assert.Equal(t, "alice!root@acme", m.Prefix)
	assert.Equal(t, []string{"bob", "hi bob"}, m.Params)

	bob.sendf("AWAY :lunch")
	bob.waitFor("306")

	alice.sendf("PRIVMSG bob :still there?")
	m = alice.waitFor("301")
	assert.Equal(t, []string{"alice", "bob", "lunch"}, m.Params)

	alice.sendf("PRIVMSG nobody :hello?")
	m = alice.waitFor("401")
	assert.Equal(t, "nobody", m.Params[1])
}

func TestCountFunction(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["tickets"] = []map[string]interface{}{{"id": "1"}}
	h.backend.counts["tickets"] = 7

	tc := h.dial(t)
	tc.register("alice", "root", "acme")
	tc.sendf("JOIN #tickets")
	tc.waitFor("366")

	tc.sendf("PRIVMSG #tickets :!count --where status=open")

	m := tc.waitFor("NOTICE")
	assert.Equal(t, "irc.test", m.Prefix)
	assert.Equal(t, []string{"#tickets",
		"Total: 7 record(s) (where status=open)"}, m.Params)
}

func TestListFunction(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["tickets"] = []map[string]interface{}{
		{"id": "1", "status": "open"},
	}

	tc := h.dial(t)
	tc.register("alice", "root", "acme")
	tc.sendf("JOIN #tickets")
	tc.waitFor("366")

	tc.sendf("PRIVMSG #tickets :!list")

	m := tc.waitFor("NOTICE")
	assert.Equal(t, []string{"#tickets", "id=1 | status=open"}, m.Params)
}

func TestUnknownFunction(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["tickets"] = []map[string]interface{}{{"id": "1"}}

	tc := h.dial(t)
	tc.register("alice", "root", "acme")
	tc.sendf("JOIN #tickets")
	tc.waitFor("366")

	tc.sendf("PRIVMSG #tickets :!frobnicate")

	m := tc.waitFor("NOTICE")
	assert.Equal(t, "Unknown function: frobnicate (try !help)",
		m.Params[len(m.Params)-1])
}

func TestForceJoin(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}
	h.backend.access["root"] = AccessRoot

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("CAP REQ :force-join")
	alice.waitFor("CAP")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")

	alice.sendf("FORCEJOIN bob #users")
	m := bob.waitFor("JOIN")
	assert.Equal(t, "bob!bob@acme", m.Prefix)
	assert.Equal(t, "#users", m.Params[0])

	// Without the capability and access level it is refused.
	bob.sendf("FORCEJOIN alice #users")
	m = bob.waitFor("481")
	assert.Contains(t, m.Params[len(m.Params)-1], "Permission Denied")
}

func TestReconnectTakeover(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice1 := h.dial(t)
	alice1.register("alice", "root", "acme")
	alice1.sendf("JOIN #users")
	alice1.waitFor("366")

	// The same identity on a new connection takes over the user. The old
	// connection is told why and disconnected.
	alice2 := h.dial(t)
	alice2.register("alice", "root", "acme")

	m := alice1.waitFor("ERROR")
	assert.Contains(t, m.Params[0], "superseded")

	// The user survives: channel membership is intact and messages reach
	// the new connection.
	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #users")
	m = bob.waitFor("353")
	assert.Contains(t, m.Params[len(m.Params)-1], "alice")
	bob.waitFor("366")

	bob.sendf("PRIVMSG alice :you back?")
	m = alice2.waitFor("PRIVMSG")
	assert.Equal(t, "bob!bob@acme", m.Prefix)
	assert.Equal(t, []string{"alice", "you back?"}, m.Params)
}

func TestRejoinNoBroadcast(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #users")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #users")
	bob.waitFor("366")
	alice.waitFor("JOIN")

	// Joining a channel we are already on re-emits topic and NAMES but
	// broadcasts nothing.
	alice.sendf("JOIN #users")

	m := alice.readMessage()
	require.Equal(t, "332", m.Command)
	m = alice.readMessage()
	require.Equal(t, "353", m.Command)
	m = alice.readMessage()
	require.Equal(t, "366", m.Command)

	bob.assertSilent()
}

func TestNickChangeBroadcast(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #users")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #users")
	bob.waitFor("366")
	alice.waitFor("JOIN")

	alice.sendf("NICK arthur")

	m := alice.waitFor("NICK")
	assert.Equal(t, "alice!root@acme", m.Prefix)
	assert.Equal(t, []string{"arthur"}, m.Params)

	m = bob.waitFor("NICK")
	assert.Equal(t, []string{"arthur"}, m.Params)
}

func TestQuitBroadcast(t *testing.T) {
	h := newTestHarness(t)
	h.backend.records["users"] = []map[string]interface{}{{"id": "1"}}

	alice := h.dial(t)
	alice.register("alice", "root", "acme")
	alice.sendf("JOIN #users")
	alice.waitFor("366")

	bob := h.dial(t)
	bob.register("bob", "bob", "acme")
	bob.sendf("JOIN #users")
	bob.waitFor("366")
	alice.waitFor("JOIN")

	bob.sendf("QUIT :gotta go")

	m := bob.waitFor("ERROR")
	assert.Contains(t, m.Params[0], "gotta go")

	m = alice.waitFor("QUIT")
	assert.Equal(t, "bob!bob@acme", m.Prefix)
	assert.Equal(t, []string{"gotta go"}, m.Params)
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"itfits/backend/internal/audit"
	chatdomain "itfits/backend/internal/chat/domain"
	devicedomain "itfits/backend/internal/device/domain"
	sessiondomain "itfits/backend/internal/session/domain"
	"itfits/backend/internal/transport/ws"
	userdomain "itfits/backend/internal/user/domain"
)

// fakeTransport is an in-memory Transport. Frames written to in are returned by Receive;
// closing in simulates the peer going away.
type fakeTransport struct {
	in chan []byte

	mu       sync.Mutex
	sent     [][]byte
	queued   int
	receives int
	sendErr  error

	closeOnce sync.Once
	closed    chan struct{}
	code      int
	text      string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	t.receives++
	t.mu.Unlock()
	select {
	case m, ok := <-t.in:
		if !ok {
			return nil, ws.ErrPeerClosed
		}
		return m, nil
	case <-t.closed:
		return nil, ws.ErrPeerClosed
	}
}

func (t *fakeTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	select {
	case <-t.closed:
		return ws.ErrClosed
	default:
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.code, t.text = code, reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) closeCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// fakeSessions is an in-memory session store. afterGet, when set, runs once after the first GetByID
// has copied the row and before it returns.
type fakeSessions struct {
	mu        sync.Mutex
	rows      map[string]*sessiondomain.Session
	finalized map[string]int
	getErr    error
	updateErr error
	listErr   error
	afterGet  func()
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string]*sessiondomain.Session{}, finalized: map[string]int{}}
}

func copySession(s *sessiondomain.Session) *sessiondomain.Session {
	cp := *s
	if s.State != nil {
		cp.State = s.State.Clone()
	}
	return &cp
}

func (f *fakeSessions) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	f.mu.Lock()
	if f.getErr != nil {
		f.mu.Unlock()
		return nil, f.getErr
	}
	s, ok := f.rows[id]
	var out *sessiondomain.Session
	if ok {
		out = copySession(s)
	}
	hook := f.afterGet
	f.afterGet = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeSessions) Create(ctx context.Context, s *sessiondomain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID] = copySession(s)
	return nil
}

func (f *fakeSessions) UpdateState(ctx context.Context, id string, state sessiondomain.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.rows[id]
	if !ok {
		return errors.New("no such session")
	}
	s.State = state.Clone()
	return nil
}

func (f *fakeSessions) Finalize(ctx context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[id]++
	s, ok := f.rows[id]
	if !ok || s.EndAt != nil {
		return false, nil
	}
	s.EndAt = &at
	return true, nil
}

func (f *fakeSessions) ListActiveUserIDsByRoom(ctx context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range f.rows {
		if s.Active() && s.State.RoomID() == roomID && !seen[s.UserID] {
			seen[s.UserID] = true
			out = append(out, s.UserID)
		}
	}
	return out, nil
}

func (f *fakeSessions) get(t *testing.T, id string) *sessiondomain.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		t.Fatalf("session %s not stored", id)
	}
	return copySession(s)
}

func (f *fakeSessions) finalizeCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[id]
}

// setRoom puts a session in a room directly, bypassing the protocol.
func (f *fakeSessions) setRoom(id, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].State = f.rows[id].State.Merge(sessiondomain.State{sessiondomain.RoomKey: room})
}

type fakeUsers struct {
	users map[string]*userdomain.User
	err   error
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

type fakeFingerprints struct {
	byUser map[string]*devicedomain.Fingerprint
}

func (f *fakeFingerprints) LatestByUser(ctx context.Context, userID string) (*devicedomain.Fingerprint, error) {
	return f.byUser[userID], nil
}

type fakeChats struct {
	mu   sync.Mutex
	msgs []*chatdomain.Message
	err  error
}

func (f *fakeChats) CreateMessage(ctx context.Context, m *chatdomain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAudit) LogEvent(ctx context.Context, e audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

// fakeLocator resolves every ip to loc. hook, when set, runs inside Locate, in the middle of a handshake.
type fakeLocator struct {
	loc  string
	err  error
	hook func()
}

func (f *fakeLocator) Locate(ctx context.Context, ip string) (string, error) {
	if f.hook != nil {
		f.hook()
	}
	return f.loc, f.err
}

// harness wires a complete realtime core over in-memory fakes.
type harness struct {
	sessions     *fakeSessions
	users        *fakeUsers
	fingerprints *fakeFingerprints
	chats        *fakeChats
	audit        *fakeAudit
	locator      *fakeLocator
	registry     *Registry
	router       *Router
	dispatcher   *Dispatcher
	lifecycle    *Lifecycle
}

var fpUpdatedAt = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

const chromeUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36"

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions:     newFakeSessions(),
		users:        &fakeUsers{users: map[string]*userdomain.User{}},
		fingerprints: &fakeFingerprints{byUser: map[string]*devicedomain.Fingerprint{}},
		chats:        &fakeChats{},
		audit:        &fakeAudit{},
		locator:      &fakeLocator{loc: "Berlin, Germany"},
		registry:     NewRegistry(),
	}
	h.router = NewRouter(h.registry, h.sessions, h.users, nil)
	h.router.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	h.dispatcher = NewDispatcher(h.sessions, h.chats, h.router, nil, nil)
	h.lifecycle = NewLifecycle(LifecycleDeps{
		Registry:     h.registry,
		Dispatcher:   h.dispatcher,
		Sessions:     h.sessions,
		Users:        h.users,
		Fingerprints: h.fingerprints,
		Locator:      h.locator,
		Audit:        h.audit,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.lifecycle.Shutdown(ctx)
	})
	return h
}

// addUser creates a user with one fingerprint and returns its id.
func (h *harness) addUser(id, first, last, email string) string {
	h.users.users[id] = &userdomain.User{ID: id, FirstName: first, LastName: last, Email: email}
	h.fingerprints.byUser[id] = &devicedomain.Fingerprint{
		ID:        "fp-" + id,
		UserID:    id,
		Data:      map[string]any{"userAgent": chromeUA},
		UpdatedAt: fpUpdatedAt,
	}
	return id
}

// connect performs the handshake and starts Serve in the background. The returned channel yields Serve's result.
func (h *harness) connect(t *testing.T, userID string) (*Connection, *fakeTransport, <-chan error) {
	t.Helper()
	tr := newFakeTransport()
	c, err := h.lifecycle.Connect(context.Background(), userID, "203.0.113.7", tr)
	if err != nil {
		t.Fatalf("Connect(%s): %v", userID, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(context.Background()) }()
	return c, tr, errCh
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s did not terminate", c.SessionID())
	}
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

// send writes frames and waits until the receive loop has handled all of them. Frames are processed in
// order, so once Receive has been entered one more time than frames were queued every frame is applied.
func (h *harness) send(t *testing.T, tr *fakeTransport, frames ...string) {
	t.Helper()
	tr.mu.Lock()
	tr.queued += len(frames)
	want := tr.queued + 1
	tr.mu.Unlock()
	for _, f := range frames {
		tr.in <- []byte(f)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		n := tr.receives
		tr.mu.Unlock()
		if n >= want || tr.isClosed() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("frames not processed")
		}
		time.Sleep(time.Millisecond)
	}
}

const (
	userA = "11111111-1111-1111-1111-111111111111"
	userB = "22222222-2222-2222-2222-222222222222"
	userC = "33333333-3333-3333-3333-333333333333"
	chat1 = "6f1c1d4e-3a55-4d0e-9d8b-2f4f7d6a1b20"
)

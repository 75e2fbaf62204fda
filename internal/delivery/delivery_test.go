package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	logx "homedir/pkg/logx"

	"github.com/gorilla/websocket"
)

type fakeSession struct {
	id    string
	mu    sync.Mutex
	got   [][]byte
	err   error
	panic bool
	block bool
	shut  bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(ctx context.Context, p []byte) error {
	if f.panic {
		panic("broken pipe")
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.shut = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestUserRegistryCap(t *testing.T) {
	t.Parallel()
	r := NewUserRegistry(Config{MaxPerUser: 2}, logx.Nop())
	a, b, c := &fakeSession{id: "a"}, &fakeSession{id: "b"}, &fakeSession{id: "c"}

	if err := r.Register("u", a); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register("u", b); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if err := r.Register("u", c); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("Register c = %v, want ErrTooManyConnections", err)
	}
	if err := r.Register("u", a); err != nil {
		t.Fatalf("re-registering an existing session should pass: %v", err)
	}
	if err := r.Register(" ", c); !errors.Is(err, ErrAnonymous) {
		t.Fatalf("anonymous Register = %v", err)
	}
	if r.Count("u") != 2 {
		t.Fatalf("count = %d, want 2", r.Count("u"))
	}

	if !r.Unregister("u", a) || r.Unregister("u", a) {
		t.Fatal("Unregister should succeed exactly once")
	}
	if err := r.Register("u", c); err != nil {
		t.Fatalf("Register after unregister: %v", err)
	}
	st := r.Stats()
	if st.Sessions != 2 || st.Subjects != 1 || st.Rejected != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFanoutIsolatesFailures(t *testing.T) {
	t.Parallel()
	r := NewUserRegistry(Config{SendTimeout: 20 * time.Millisecond}, logx.Nop())
	good := &fakeSession{id: "good"}
	sessions := []*fakeSession{
		good,
		{id: "err", err: errors.New("closed")},
		{id: "panic", panic: true},
		{id: "slow", block: true},
	}
	for _, s := range sessions {
		if err := r.Register("u", s); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	delivered, failed := r.Send(context.Background(), "u", []byte("hi"))
	if delivered != 1 || failed != 3 {
		t.Fatalf("delivered=%d failed=%d, want 1/3", delivered, failed)
	}
	if good.count() != 1 {
		t.Fatal("healthy session missed the payload")
	}
	if d, f := r.Send(context.Background(), "nobody", []byte("x")); d != 0 || f != 0 {
		t.Fatalf("send to unknown user = %d/%d", d, f)
	}
}

func TestGlobalRegistry(t *testing.T) {
	t.Parallel()
	r := NewGlobalRegistry(Config{}, logx.Nop())
	a, b := &fakeSession{id: "a"}, &fakeSession{id: "b", err: errors.New("gone")}
	_ = r.Register(a)
	_ = r.Register(b)

	if d, f := r.Broadcast(context.Background(), []byte("x")); d != 1 || f != 1 {
		t.Fatalf("broadcast = %d/%d", d, f)
	}
	if !r.Unregister(b) || r.Count() != 1 {
		t.Fatal("unregister failed")
	}
	if n := r.CloseAll(); n != 1 || !a.shut || r.Count() != 0 {
		t.Fatalf("CloseAll = %d", n)
	}
}

func TestWSSessionDelivers(t *testing.T) {
	t.Parallel()
	reg := NewGlobalRegistry(Config{}, logx.Nop())
	registered := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewWSSession(conn, WSConfig{PingInterval: time.Second}, logx.Nop())
		_ = reg.Register(s)
		close(registered)
		defer reg.Unregister(s)
		s.Run(r.Context())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-registered

	if d, _ := reg.Broadcast(context.Background(), []byte(`{"kind":"global"}`)); d != 1 {
		t.Fatalf("delivered = %d", d)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"kind":"global"}` {
		t.Fatalf("msg = %s", msg)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not unregistered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSSessionSendAfterClose(t *testing.T) {
	t.Parallel()
	errs := make(chan error, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			errs <- err
			errs <- err
			return
		}
		s := NewWSSession(conn, WSConfig{}, logx.Nop())
		_ = s.Close()
		errs <- s.Send(context.Background(), []byte("x"))
		errs <- s.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := <-errs; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after Close = %v, want ErrSessionClosed", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "homedir/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:80", true},
		{"[::1]:9000", true},
		{":8080", false},
		{"0.0.0.0:8080", false},
		{"10.0.0.5:8080", false},
		{"example.com:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	h := NewHandler(Deps{}, Options{}, logx.Nop())
	defer h.Close()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, h.Routes(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx) // idempotent

	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server never bound")
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("empty addr after ready")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	// Routes whose component is missing answer 503 instead of panicking.
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/notifications", nil)
	req.Header.Set(HeaderUserID, "u1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("missing dispatcher status %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server state not cleared after Stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still answering after Stop")
	}
}

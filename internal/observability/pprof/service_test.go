package pprof

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	"capsuled/pkg/logx"
)

func waitForAddr(t *testing.T, svc *Service, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server did not bind within %s", timeout)
	return ""
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	svc := New(Config{}, logx.Nop())
	t.Cleanup(func() {
		svc.Stop(context.Background())
	})
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		BlockProfileRate:     1,
		MutexProfileFraction: 7,
	}
	svc.Reconfigure(ctx, cfg)

	addr := waitForAddr(t, svc, 2*time.Second)
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}

	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}

	// Disable and ensure the listener shuts down.
	svc.Reconfigure(ctx, Config{Enabled: false})
	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() != "" {
		if time.Now().After(deadline) {
			t.Fatalf("expected pprof server to stop, still at %s", svc.Addr())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	t.Cleanup(func() {
		svc.Stop(context.Background())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sup := svc.Supervisor()
		if sup != nil {
			if err := sup.Err(); err != nil {
				if !strings.Contains(err.Error(), "insecure bind") {
					t.Fatalf("err = %v, want insecure bind refusal", err)
				}
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("server never published the bind refusal")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if addr := svc.Addr(); addr != "" {
		t.Fatalf("Addr() = %q, want empty after refused bind", addr)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/debug/pprof/"},
		{"/debug/pprof/", "/debug/pprof/"},
		{"debug/pprof", "/debug/pprof/"},
		{"/ops/prof", "/ops/prof/"},
		{"  /ops/ ", "/ops/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

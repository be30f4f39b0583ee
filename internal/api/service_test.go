package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capsuled/internal/storage"
	"capsuled/pkg/logx"
)

func newServiceStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Logger{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitForAddr(t *testing.T, svc *Service, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("api never exposed a listen address")
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

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Store: newServiceStore(t)}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	addr := waitForAddr(t, svc, 2*time.Second)
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	svc.Stop(context.Background())
	if got := svc.Addr(); got != "" {
		t.Fatalf("addr after stop = %q, want empty", got)
	}
}

func TestServiceReconfigureTogglesServer(t *testing.T) {
	svc := New(Config{Enabled: false}, Deps{Store: newServiceStore(t)}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	if got := svc.Addr(); got != "" {
		t.Fatalf("disabled service exposed addr %q", got)
	}

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { svc.Stop(context.Background()) })
	addr := waitForAddr(t, svc, 2*time.Second)
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("addr after disable = %q, want empty", got)
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	// Non-loopback bind without a token must not open a listener.
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Store: newServiceStore(t)}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	deadline := time.Now().Add(2 * time.Second)
	for {
		sup := svc.Supervisor()
		if sup != nil && sup.Err() != nil {
			if !strings.Contains(sup.Err().Error(), "insecure bind") {
				t.Fatalf("supervisor error = %v, want insecure bind refusal", sup.Err())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("insecure bind was not refused")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := svc.Addr(); got != "" {
		t.Fatalf("insecure bind exposed addr %q", got)
	}
}

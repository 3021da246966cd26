package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/m1n1ctl/internal/config"
	"github.com/danmuck/m1n1ctl/internal/session"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"github.com/danmuck/m1n1ctl/internal/testutil/simtarget"
	"github.com/danmuck/m1n1ctl/internal/testutil/testlog"
	"github.com/danmuck/m1n1ctl/internal/transport"
	"github.com/gin-gonic/gin"
)

func newStatus(t *testing.T, allowWrites bool) (*Status, *session.Session, *simtarget.Target) {
	t.Helper()
	return newStatusToken(t, allowWrites, "")
}

func newStatusToken(t *testing.T, allowWrites bool, token string) (*Status, *session.Session, *simtarget.Target) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sim, host := simtarget.Start(t, simtarget.Options{})
	cfg := session.DefaultConfig()
	cfg.Device = "sim"
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.HandshakeAttempts = 2
	cfg.ReadTimeout = 500 * time.Millisecond
	open := func(path string, baud int) (transport.Port, error) {
		return host, host.SetBaud(baud)
	}
	sess, err := session.Bootstrap(context.Background(), cfg, open)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	scfg := config.DefaultServeConfig()
	scfg.AllowWrites = allowWrites
	scfg.WriteToken = token
	scfg.MaxRead = 256
	return New(scfg, sess), sess, sim
}

func do(t *testing.T, s *Status, method, path string) (int, map[string]any) {
	t.Helper()
	return doAuth(t, s, method, path, "")
}

func doAuth(t *testing.T, s *Status, method, path, authz string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	s.Router().ServeHTTP(rec, req)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthAndTarget(t *testing.T) {
	testlog.Start(t)
	s, sess, _ := newStatus(t, false)

	code, body := do(t, s, http.MethodGet, "/health")
	if code != http.StatusOK || body["session"] != "ready" {
		t.Fatalf("health code=%d body=%v", code, body)
	}

	code, body = do(t, s, http.MethodGet, "/target")
	if code != http.StatusOK || body["iodev"] != "uart" || body["baud"] != float64(1500000) {
		t.Fatalf("target code=%d body=%v", code, body)
	}
	heap, ok := body["heap"].(map[string]any)
	if !ok || heap["base"] != hex64(sess.Heap().Base()) {
		t.Fatalf("heap=%v", body["heap"])
	}

	code, body = do(t, s, http.MethodGet, "/bootargs")
	if code != http.StatusOK || body["Revision"] != float64(2) {
		t.Fatalf("bootargs code=%d body=%v", code, body)
	}
}

func TestMemRoute(t *testing.T) {
	testlog.Start(t)
	s, _, sim := newStatus(t, false)
	const addr = simtarget.DefaultRAMBase + 0x3000000
	sim.Poke(addr, []byte{0xde, 0xad, 0xbe, 0xef})

	code, body := do(t, s, http.MethodGet, "/mem/0x803000000?len=4")
	if code != http.StatusOK || body["data"] != "deadbeef" || body["addr"] != hex64(addr) {
		t.Fatalf("mem code=%d body=%v", code, body)
	}

	cases := map[string]int{
		"/mem/nothex?len=4":         http.StatusBadRequest,
		"/mem/0x803000000?len=0":    http.StatusBadRequest,
		"/mem/0x803000000?len=4096": http.StatusBadRequest,
	}
	for path, want := range cases {
		if code, body := do(t, s, http.MethodGet, path); code != want {
			t.Fatalf("%s code=%d want=%d body=%v", path, code, want, body)
		}
	}

	sim.AddFault(simtarget.DefaultRAMBase+0x4000000, 0x1000)
	if code, body := do(t, s, http.MethodGet, "/mem/0x804000000?len=16"); code != http.StatusBadGateway {
		t.Fatalf("faulting read code=%d body=%v", code, body)
	}
}

func TestSysregRoute(t *testing.T) {
	testlog.Start(t)
	s, _, sim := newStatus(t, false)

	code, body := do(t, s, http.MethodGet, "/sysreg/MIDR_EL1")
	if code != http.StatusOK || body["value"] != "0x611f0221" {
		t.Fatalf("midr code=%d body=%v", code, body)
	}

	sim.Trap(sysreg.TPIDR_EL1)
	if code, body := do(t, s, http.MethodGet, "/sysreg/TPIDR_EL1"); code != http.StatusUnprocessableEntity {
		t.Fatalf("trapped code=%d body=%v", code, body)
	}
	if code, _ := do(t, s, http.MethodGet, "/sysreg/not_a_reg"); code != http.StatusBadRequest {
		t.Fatalf("bad name code=%d", code)
	}
}

func TestConcurrentSysregAndResync(t *testing.T) {
	testlog.Start(t)
	s, _, sim := newStatus(t, true)
	sim.SetSysreg(sysreg.TPIDR_EL1, 0x1111)

	want := map[string]string{
		"/sysreg/TPIDR_EL1": "0x1111",
		"/sysreg/MIDR_EL1":  "0x611f0221",
	}
	paths := []string{"/sysreg/TPIDR_EL1", "/sysreg/MIDR_EL1"}
	var wg sync.WaitGroup
	errs := make(chan error, 256)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < 20; r++ {
				path := paths[(w+r)%2]
				rec := httptest.NewRecorder()
				s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				var body map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					errs <- err
					continue
				}
				if rec.Code != http.StatusOK || body["value"] != want[path] {
					errs <- fmt.Errorf("%s code=%d body=%v", path, rec.Code, body)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := 0; r < 2; r++ {
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resync", nil))
			if rec.Code != http.StatusOK {
				errs <- fmt.Errorf("resync code=%d body=%s", rec.Code, rec.Body.String())
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestWriteRoutesGated(t *testing.T) {
	testlog.Start(t)
	s, _, _ := newStatus(t, false)
	if code, body := do(t, s, http.MethodPost, "/resync"); code != http.StatusForbidden {
		t.Fatalf("resync code=%d body=%v", code, body)
	}

	s, _, _ = newStatus(t, true)
	if code, body := do(t, s, http.MethodPost, "/resync"); code != http.StatusOK || body["session"] != "ready" {
		t.Fatalf("resync code=%d body=%v", code, body)
	}
}

func TestWriteRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s, _, _ := newStatusToken(t, true, "s3cret")
	if code, _ := do(t, s, http.MethodPost, "/resync"); code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", code)
	}
	if code, _ := doAuth(t, s, http.MethodPost, "/resync", "Bearer nope"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d", code)
	}
	if code, body := doAuth(t, s, http.MethodPost, "/resync", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("token code=%d body=%v", code, body)
	}
}

func TestClosedSessionUnavailable(t *testing.T) {
	testlog.Start(t)
	s, sess, _ := newStatus(t, false)
	_ = sess.Close()
	code, body := do(t, s, http.MethodGet, "/target")
	if code != http.StatusServiceUnavailable || body["session"] != "disconnected" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

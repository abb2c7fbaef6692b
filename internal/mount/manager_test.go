package mount

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func testServer(m *Manager) *httptest.Server {
	r := mux.NewRouter()
	m.RegisterRoutes(r)
	return httptest.NewServer(r)
}

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body)) //nolint:errcheck
	})
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return resp.StatusCode, string(buf[:n])
}

func TestAttachDetachCycle(t *testing.T) {
	m := NewManager(zerolog.Nop())
	srv := testServer(m)
	defer srv.Close()

	// Not mounted: 404.
	if status, _ := get(t, srv.URL+"/plugins/task-manager/tasks"); status != http.StatusNotFound {
		t.Fatalf("expected 404 before attach, got %d", status)
	}

	if err := m.Attach("task-manager", textHandler("tasks")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	status, body := get(t, srv.URL+"/plugins/task-manager/tasks")
	if status != http.StatusOK || body != "tasks" {
		t.Fatalf("expected 200 'tasks' after attach, got %d %q", status, body)
	}

	m.Detach("task-manager")
	if status, _ := get(t, srv.URL+"/plugins/task-manager/tasks"); status != http.StatusNotFound {
		t.Fatalf("expected 404 after detach, got %d", status)
	}
}

func TestAttachReplacesPriorMount(t *testing.T) {
	m := NewManager(zerolog.Nop())
	srv := testServer(m)
	defer srv.Close()

	m.Attach("p", textHandler("v1")) //nolint:errcheck
	m.Attach("p", textHandler("v2")) //nolint:errcheck

	_, body := get(t, srv.URL+"/plugins/p/x")
	if body != "v2" {
		t.Fatalf("expected replacement handler, got %q", body)
	}
}

func TestAttachRejectsBadArgs(t *testing.T) {
	m := NewManager(zerolog.Nop())
	if err := m.Attach("", textHandler("x")); err == nil {
		t.Fatal("expected error for empty slug")
	}
	if err := m.Attach("p", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestMountsAreIndependent(t *testing.T) {
	m := NewManager(zerolog.Nop())
	srv := testServer(m)
	defer srv.Close()

	m.Attach("a", textHandler("a")) //nolint:errcheck
	m.Attach("b", textHandler("b")) //nolint:errcheck
	m.Detach("a")

	if status, _ := get(t, srv.URL+"/plugins/a/x"); status != http.StatusNotFound {
		t.Fatal("detached plugin should 404")
	}
	if status, _ := get(t, srv.URL+"/plugins/b/x"); status != http.StatusOK {
		t.Fatal("other plugin's mount should be untouched")
	}
}

func TestConcurrentDispatchDuringDetach(t *testing.T) {
	m := NewManager(zerolog.Nop())
	srv := testServer(m)
	defer srv.Close()

	m.Attach("p", textHandler("ok")) //nolint:errcheck

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/plugins/p/x")
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	m.Detach("p")
	wg.Wait()

	if m.IsMounted("p") {
		t.Fatal("plugin should be unmounted")
	}
}

func TestRouterRegistryBuild(t *testing.T) {
	reg := NewRouterRegistry()
	reg.Register("p.router", func() (http.Handler, error) {
		return textHandler("x"), nil
	})

	if _, err := reg.Build("p.router"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := reg.Build("missing"); err == nil {
		t.Fatal("expected error for unregistered ref")
	}
}

package manifest

import "testing"

func validManifest() Manifest {
	return Manifest{
		Name:    "Task Manager",
		Version: "1.0.0",
		Slug:    "task-manager",
		Backend: &Backend{EntryRouterRef: "task-manager.router"},
		Frontend: &Frontend{
			EntryBundleRef: "task-manager/bundle.json",
			Routes: []Route{
				{Path: "/tasks", Name: "tasks", ComponentRef: "TaskList"},
			},
		},
		Hooks: HookRefs{OnInstall: "task-manager.hooks"},
	}
}

func TestValidateOK(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateRejectsBadSlug(t *testing.T) {
	cases := []string{"", "Task Manager", "task_manager", "-task", "task-", "UPPER"}
	for _, slug := range cases {
		m := validManifest()
		m.Slug = slug
		if err := m.Validate(); err == nil {
			t.Errorf("slug %q should be rejected", slug)
		}
	}
}

func TestValidateRejectsBadVersion(t *testing.T) {
	m := validManifest()
	m.Version = "not-a-version"
	if err := m.Validate(); err == nil {
		t.Fatal("expected version error")
	}
}

func TestValidateRejectsBackendWithoutRouterRef(t *testing.T) {
	m := validManifest()
	m.Backend = &Backend{}
	if err := m.Validate(); err == nil {
		t.Fatal("expected router ref error")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "1.0.0", 1},
		{"1.2.3", "1.2.3", 0},
		{"1.10.0", "1.9.0", 1},
	}
	for _, c := range cases {
		got, err := CompareVersions(c.a, c.b)
		if err != nil {
			t.Fatalf("CompareVersions(%s, %s) failed: %v", c.a, c.b, err)
		}
		if got != c.want {
			t.Errorf("CompareVersions(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
		}
	}

	if _, err := CompareVersions("bad", "1.0.0"); err == nil {
		t.Fatal("expected error for invalid version")
	}
}

func TestHookRefsAll(t *testing.T) {
	h := HookRefs{OnInstall: "x.install", OnUninstall: "x.uninstall"}
	all := h.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(all))
	}
	if all["onInstall"] != "x.install" {
		t.Errorf("unexpected onInstall ref %q", all["onInstall"])
	}
}

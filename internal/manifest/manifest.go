// Package manifest defines the declarative description of a plugin: its
// identity, contributed frontend routes and components, backend router,
// permissions, settings and lifecycle hook references.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

// Manifest describes a plugin. Slug is globally unique and immutable once
// registered; Version must parse as semver so updates can be ordered.
type Manifest struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version" validate:"required"`
	Slug        string `json:"slug" validate:"required,slug"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Category    string `json:"category"`

	Frontend *Frontend `json:"frontend,omitempty"`
	Backend  *Backend  `json:"backend,omitempty"`

	Permissions []Permission   `json:"permissions,omitempty"`
	Settings    []SettingField `json:"settings,omitempty"`
	Hooks       HookRefs       `json:"hooks"`
}

// Frontend declares a plugin's UI contribution.
type Frontend struct {
	EntryBundleRef string   `json:"entry_bundle_ref"`
	Routes         []Route  `json:"routes,omitempty"`
	ComponentRefs  []string `json:"component_refs,omitempty"`
	StoreRef       string   `json:"store_ref,omitempty"`
}

// Backend declares a plugin's API contribution.
type Backend struct {
	EntryRouterRef string   `json:"entry_router_ref" validate:"required"`
	ModelRefs      []string `json:"model_refs,omitempty"`
}

// Route is a frontend navigation entry contributed by a plugin. Paths are
// namespaced under /plugins/{slug} before reaching the host router.
type Route struct {
	Path         string            `json:"path" validate:"required"`
	Name         string            `json:"name"`
	ComponentRef string            `json:"component_ref"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Permission declares a resource/action pair with its default role grants.
type Permission struct {
	Resource string   `json:"resource" validate:"required"`
	Action   string   `json:"action" validate:"required"`
	Roles    []string `json:"roles,omitempty"`
}

// SettingField is a typed configuration field exposed by the plugin.
type SettingField struct {
	Key     string          `json:"key" validate:"required"`
	Type    string          `json:"type" validate:"required,oneof=string number boolean select"`
	Label   string          `json:"label"`
	Default json.RawMessage `json:"default,omitempty"`
}

// HookRefs names the lifecycle callables of a plugin. Empty refs mean the
// plugin does not hook that transition.
type HookRefs struct {
	OnInstall    string `json:"on_install,omitempty"`
	OnActivate   string `json:"on_activate,omitempty"`
	OnDeactivate string `json:"on_deactivate,omitempty"`
	OnUpdate     string `json:"on_update,omitempty"`
	OnUninstall  string `json:"on_uninstall,omitempty"`
}

// All returns the non-empty hook refs keyed by transition name.
func (h HookRefs) All() map[string]string {
	refs := make(map[string]string)
	for name, ref := range map[string]string{
		"onInstall":    h.OnInstall,
		"onActivate":   h.OnActivate,
		"onDeactivate": h.OnDeactivate,
		"onUpdate":     h.OnUpdate,
		"onUninstall":  h.OnUninstall,
	} {
		if ref != "" {
			refs[name] = ref
		}
	}
	return refs
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool { //nolint:errcheck
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks structural well-formedness: required fields, a URL-safe
// slug, and a parseable semver version. Hook-ref resolvability is checked by
// the orchestrator against its hook registry, not here.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("invalid manifest version %q: %w", m.Version, err)
	}
	return nil
}

// CompareVersions orders two semver strings: -1 if a < b, 0 if equal, 1 if
// a > b.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

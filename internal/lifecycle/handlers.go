package lifecycle

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/httputil"
	"github.com/preto960/pluginbay/internal/manifest"
	"github.com/preto960/pluginbay/internal/registry"
)

// Handlers is the operator-facing command surface. builder resolves
// install-from-source requests into fetchable artifacts; nil disables them.
type Handlers struct {
	orch    *Orchestrator
	builder bundle.Builder
}

func NewHandlers(orch *Orchestrator, builder bundle.Builder) *Handlers {
	return &Handlers{orch: orch, builder: builder}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/plugins").Subrouter()
	api.HandleFunc("", h.handleList).Methods("GET")
	api.HandleFunc("", h.handleInstall).Methods("POST")
	api.HandleFunc("/{slug}", h.handleGet).Methods("GET")
	api.HandleFunc("/{slug}/status", h.handleStatus).Methods("GET")
	api.HandleFunc("/{slug}/activate", h.handleActivate).Methods("POST")
	api.HandleFunc("/{slug}/deactivate", h.handleDeactivate).Methods("POST")
	api.HandleFunc("/{slug}/update", h.handleUpdate).Methods("POST")
	api.HandleFunc("/{slug}/uninstall", h.handleUninstall).Methods("POST")
}

type installRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	Artifact bundle.Artifact   `json:"artifact"`
	// SourceRef names a pre-staged bundle directory to build from, as an
	// alternative to passing the artifact refs directly.
	SourceRef string `json:"source_ref"`
}

// resolveArtifact turns the request into the artifact the orchestrator
// persists, building from source when source_ref is given.
func (h *Handlers) resolveArtifact(r *http.Request, req installRequest) (bundle.Artifact, error) {
	if req.SourceRef == "" {
		return req.Artifact, nil
	}
	if req.Artifact.BundleRef != "" {
		return bundle.Artifact{}, &ValidationError{Msg: "source_ref and artifact.bundle_ref are mutually exclusive"}
	}
	if h.builder == nil {
		return bundle.Artifact{}, &ValidationError{Msg: "install from source is not enabled"}
	}
	a, err := h.builder.Build(r.Context(), req.SourceRef)
	if err != nil {
		return bundle.Artifact{}, &ValidationError{Msg: "bundle build failed: " + err.Error()}
	}
	return a, nil
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	plugins, err := h.orch.List(r.Context())
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	if plugins == nil {
		plugins = []*registry.InstalledPlugin{}
	}
	httputil.WriteJSON(w, http.StatusOK, plugins)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Get(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handlers) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	artifact, err := h.resolveArtifact(r, req)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	p, err := h.orch.Install(r.Context(), req.Manifest, artifact)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handlers) handleActivate(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Activate(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Deactivate(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	artifact, err := h.resolveArtifact(r, req)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	p, err := h.orch.Update(r.Context(), mux.Vars(r)["slug"], req.Manifest, artifact)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleUninstall(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Uninstall(r.Context(), mux.Vars(r)["slug"]); err != nil {
		writeTransitionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// writeTransitionError maps the lifecycle error taxonomy onto HTTP statuses.
func writeTransitionError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	var ce *ConflictError
	switch {
	case errors.As(err, &ve):
		httputil.WriteError(w, http.StatusBadRequest, ve.Msg)
	case errors.Is(err, registry.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "plugin not found")
	case errors.As(err, &ce):
		httputil.WriteError(w, http.StatusConflict, ce.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

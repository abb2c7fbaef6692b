package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact is what a build produces: the fetchable bundle ref plus its
// checksum, and the ref of the plugin's backend router.
type Artifact struct {
	BundleRef      string `json:"bundle_ref"`
	Checksum       string `json:"checksum"`
	EntryRouterRef string `json:"entry_router_ref,omitempty"`
}

// Builder compiles a plugin source tree into an artifact. The runtime treats
// it as an opaque collaborator and only consumes the resulting refs.
type Builder interface {
	Build(ctx context.Context, sourceRef string) (Artifact, error)
}

// DirBuilder is a Builder over pre-compiled bundles on disk: sourceRef names
// a directory containing bundle.json, and the artifact ref is the descriptor
// served under baseURL.
type DirBuilder struct {
	BaseDir string
	BaseURL string
}

func (b *DirBuilder) Build(_ context.Context, sourceRef string) (Artifact, error) {
	path := filepath.Join(b.BaseDir, sourceRef, "bundle.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read bundle descriptor: %w", err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Artifact{}, fmt.Errorf("malformed bundle descriptor %s: %w", path, err)
	}

	return Artifact{
		BundleRef: b.BaseURL + "/" + sourceRef + "/bundle.json",
		Checksum:  Checksum(data),
	}, nil
}

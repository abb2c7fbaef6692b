package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transport fetches and evaluates a bundle artifact. checksum, when
// non-empty, is the expected sha256 of the raw artifact bytes.
type Transport interface {
	Fetch(ctx context.Context, ref, checksum string) (*Module, error)
}

// Checksum returns the hex sha256 of data, the form builders emit and the
// transport verifies.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HTTPTransport fetches bundle descriptors over HTTP with a cache-busting
// query parameter so updates are always observed, then resolves callables
// through the native registry.
type HTTPTransport struct {
	client  *http.Client
	natives *NativeRegistry
}

func NewHTTPTransport(natives *NativeRegistry) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{Timeout: 15 * time.Second},
		natives: natives,
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, ref, checksum string) (*Module, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, &LoadError{Ref: ref, Err: fmt.Errorf("invalid bundle ref: %w", err)}
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &LoadError{Ref: ref, Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &LoadError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &LoadError{Ref: ref, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &LoadError{Ref: ref, Err: err}
	}

	if checksum != "" && Checksum(data) != checksum {
		return nil, &LoadError{Ref: ref, Err: fmt.Errorf("checksum mismatch")}
	}

	return Evaluate(data, t.natives)
}

// Evaluate turns raw artifact bytes into a Module. A descriptor whose
// native_ref is unregistered still yields a usable module with routes only.
func Evaluate(data []byte, natives *NativeRegistry) (*Module, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &LoadError{Ref: d.Slug, Err: fmt.Errorf("malformed descriptor: %w", err)}
	}

	m := &Module{
		Routes:     d.Routes,
		Components: make(map[string]Component),
	}

	if d.NativeRef != "" && natives != nil {
		if n, ok := natives.Resolve(d.NativeRef); ok {
			for name, c := range n.Components {
				m.Components[name] = c
			}
			m.NewStore = n.NewStore
			m.Initialize = n.Initialize
			m.Destroy = n.Destroy
		}
	}
	return m, nil
}

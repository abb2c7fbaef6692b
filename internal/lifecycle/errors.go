package lifecycle

import "fmt"

// ValidationError rejects a transition before any state change: malformed
// manifest, duplicate slug, unresolvable refs, wrong source state.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ConflictError rejects a transition because another one is already in
// progress for the same plugin.
type ConflictError struct {
	Slug string
	Op   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plugin %q: %s already in progress", e.Slug, e.Op)
}

// HookFailure wraps a lifecycle hook error or timeout. Its handling is
// per-transition: fail-closed for install/activate, fail-open for
// deactivate/uninstall.
type HookFailure struct {
	Hook     string
	TimedOut bool
	Err      error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("hook %s failed: %v", e.Hook, e.Err)
}

func (e *HookFailure) Unwrap() error { return e.Err }

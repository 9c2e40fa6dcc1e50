package task

import "fmt"

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Registry maps a task kind to its handler and retry policy. It is populated
// at process start and must not be mutated once workers are running; lookups
// are read-only after that point so no locking is needed.
type Registry struct {
	kinds map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]registration{}}
}

// Register binds kind to a handler. Zero fields in the policy fall back to
// defaults. Registering the same kind twice panics: that is a wiring bug,
// not a runtime condition.
func (r *Registry) Register(kind string, h Handler, policy RetryPolicy) {
	if kind == "" {
		panic("task: empty kind")
	}
	if h == nil {
		panic(fmt.Sprintf("task: nil handler for kind %q", kind))
	}
	if _, dup := r.kinds[kind]; dup {
		panic(fmt.Sprintf("task: kind %q registered twice", kind))
	}
	r.kinds[kind] = registration{handler: h, policy: policy.withDefaults()}
}

// Resolve returns the handler and policy for kind.
func (r *Registry) Resolve(kind string) (Handler, RetryPolicy, bool) {
	reg, ok := r.kinds[kind]
	if !ok {
		return nil, RetryPolicy{}, false
	}
	return reg.handler, reg.policy, true
}

// Policy returns only the retry policy for kind.
func (r *Registry) Policy(kind string) (RetryPolicy, bool) {
	reg, ok := r.kinds[kind]
	return reg.policy, ok
}

// Kinds lists the registered kinds in no particular order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.kinds[kind]
	return ok
}

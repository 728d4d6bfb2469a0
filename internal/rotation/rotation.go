// Package rotation decides when a pack store's active pack should be sealed
// and replaced. Policies are pure functions over a snapshot of the active
// pack's accumulated stats: no IO, no locks, no mutation, no global state.
// The pack store evaluates a pre-append policy (hard limits, checked before
// a write lands) and a post-append policy (the soft limit, checked after)
// rather than threading size-limit arithmetic through the write path itself.
package rotation

// PackState is an immutable snapshot of the active pack's stats at the
// moment a rotation decision is made. Safe to copy and pass by value.
type PackState struct {
	// ChunkCount is the number of chunk entries written to the pack so far.
	ChunkCount uint64

	// PhysicalBytes is the on-disk size of the pack's entries (payload plus
	// fixed per-entry overhead), excluding the header and any trailer.
	PhysicalBytes uint64
}

// Policy decides whether the active pack should be rotated given its
// current state. Policies must not perform IO or access global state.
type Policy interface {
	ShouldRotate(state PackState) bool
}

// PolicyFunc is an adapter to allow ordinary functions to be used as Policy.
type PolicyFunc func(state PackState) bool

func (f PolicyFunc) ShouldRotate(state PackState) bool { return f(state) }

// CompositePolicy combines multiple policies with OR semantics: rotation
// triggers if any sub-policy returns true.
type CompositePolicy struct {
	policies []Policy
}

// NewCompositePolicy creates a policy that triggers rotation if any
// sub-policy returns true.
func NewCompositePolicy(policies ...Policy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state PackState) bool {
	for _, p := range c.policies {
		if p.ShouldRotate(state) {
			return true
		}
	}
	return false
}

// SizePolicy triggers rotation once a pack's physical size reaches
// maxBytes. A zero maxBytes disables the policy.
type SizePolicy struct {
	maxBytes uint64
}

// NewSizePolicy creates a policy that rotates once PhysicalBytes >= maxBytes.
func NewSizePolicy(maxBytes uint64) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldRotate(state PackState) bool {
	return p.maxBytes > 0 && state.PhysicalBytes >= p.maxBytes
}

// ChunkCountPolicy triggers rotation once a pack holds maxChunks entries.
// A zero maxChunks disables the policy.
type ChunkCountPolicy struct {
	maxChunks uint64
}

// NewChunkCountPolicy creates a policy that rotates once ChunkCount reaches
// maxChunks.
func NewChunkCountPolicy(maxChunks uint64) *ChunkCountPolicy {
	return &ChunkCountPolicy{maxChunks: maxChunks}
}

func (p *ChunkCountPolicy) ShouldRotate(state PackState) bool {
	return p.maxChunks > 0 && state.ChunkCount >= p.maxChunks
}

// NeverRotatePolicy never triggers rotation. Useful for tests.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(PackState) bool { return false }

// AlwaysRotatePolicy always triggers rotation. Useful for tests.
type AlwaysRotatePolicy struct{}

func (AlwaysRotatePolicy) ShouldRotate(PackState) bool { return true }

package bridge

// lockTwo acquires the mutexes of two bridges in ascending UUID-string
// order (§5: "cross-bridge operations take both bridge locks in a stable
// total order") and returns an unlock function. Locking the same bridge
// against itself is handled by the caller (Move/Merge reject that case
// before calling in).
func lockTwo(a, b *Bridge) (unlock func()) {
	if a.ID.String() <= b.ID.String() {
		a.mu.Lock()
		b.mu.Lock()
		return func() { b.mu.Unlock(); a.mu.Unlock() }
	}
	b.mu.Lock()
	a.mu.Lock()
	return func() { a.mu.Unlock(); b.mu.Unlock() }
}

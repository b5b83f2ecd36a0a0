// Package testutil provides deterministic test doubles shared by the
// tillsync packages: a virtual-time scheduler, a store wrapper that counts
// and fails writes on demand, and golden-file assertions.
package testutil

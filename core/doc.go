// Package core contains the canonical Open Finance domain contracts,
// entities, and consent orchestration logic. Lower-level adapters must depend
// on this package; core must not depend on store or transport adapters.
package core

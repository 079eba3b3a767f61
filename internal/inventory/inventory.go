// Package inventory resolves runner fleet definitions from a YAML file for
// `e2epoolctl import-inventory`. Once imported, the runners table is
// authoritative and every other component (the bearer-token middleware, the
// backend registry, the GC/poller/reconciler passes) resolves a runner with
// a single targeted RunnerRepository lookup rather than a fleet-wide scan,
// so there is no hot path left for a cached fleet-wide view to serve — the
// original's TTL-cached Inventory existed to avoid re-querying the whole
// fleet on every web request; that per-request dependency-injection pattern
// has no equivalent here.
package inventory

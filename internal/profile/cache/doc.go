// Package cache keeps owner profiles in memory with a per-entry TTL and
// broadcasts changes to subscribers.
//
// Reads are fail-soft: a fresh entry is returned as-is, a missing entry is
// loaded through a single-flight fetch, and a stale entry is served
// immediately while one background refresh runs. Every commit (load, refresh,
// Set) and every invalidation is published to subscribers in commit order;
// slow subscribers drop events instead of blocking the cache.
package cache

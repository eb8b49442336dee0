// Package memcache holds the in-process tier: a size-accounted LRU of decoded values and
// an explicit free-list of decode buffers reclaimed from evicted values.
package memcache

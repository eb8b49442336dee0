// Package cache composes the memory tier (memcache) and the journaled disk tier (disklru)
// behind one get/put API. Logical keys (usually URLs) are mapped to fixed-width on-disk
// keys by HashKey. Disk lifecycle operations (init, clear, flush, close) run as serialized
// jobs on a single executor goroutine, and every disk failure degrades to a cache miss.
package cache

// Package disklru implements the durable tier of the object cache: a directory of
// entry files indexed by an append-only journal. The journal (DIRTY/CLEAN/REMOVE/READ
// records after a fixed header) is the only source of truth after a restart; entries
// whose last record is DIRTY are discarded together with their temp files. A single
// mutex serializes edits, commits, removals and trim passes, and the total committed
// size is kept at or below the configured budget by strict LRU eviction.
package disklru

// Package cache models a browser-style CacheStorage on top of a pluggable
// backend. A Store keeps response entries grouped into named partitions (one
// partition per cache generation, e.g. "my-account-book-cache-v1"); Storage
// and Cache expose the open/match/put/addAll/keys/delete primitives the worker
// lifecycle needs. Two backends exist: a disk layout with temp file + rename
// writes and a JSON sidecar per entry, and a pure-Go sqlite database.
package cache

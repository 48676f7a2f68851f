package redistore

// Key construction is centralized here so the key format never leaks into
// the rest of the package. The hash tag keeps every key of one collection
// in the same cluster slot, which the Lua scripts require.

import "github.com/schedoc/schedoc-go"

type keySet struct {
	prefix string
}

func keysFor(collection string) keySet {
	return keySet{prefix: "schedoc:{" + collection + "}:"}
}

// doc returns the key of one task document (a JSON string value).
func (k keySet) doc(id string) string { return k.prefix + "task:" + id }

// docPrefix is passed to scripts that construct document keys themselves.
func (k keySet) docPrefix() string { return k.prefix + "task:" }

// index returns the per-status ZSET that orders records for claim and
// sweep scans. Members are record ids; scores are scheduledAt for pending
// records, timeoutAt for in_progress records, and finishedRunningAt for
// records moved to a terminal status by an update (a record inserted with
// a terminal status is scored by scheduledAt).
func (k keySet) index(st schedoc.Status) string { return k.prefix + "ix:" + string(st) }

// indexPrefix is passed to scripts that move ids between status indexes.
func (k keySet) indexPrefix() string { return k.prefix + "ix:" }

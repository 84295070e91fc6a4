package model

// LSN is a process-wide, monotonically increasing sequence number assigned
// at WAL-append time. LSNs order overlapping versions of a key and bound
// point-in-time truncation.
type LSN = uint64

// StripeID identifies one partition of the keyspace. A key always routes to
// the same stripe for the life of the database.
type StripeID uint32

// RecordKind distinguishes a live value from a delete marker. A tombstone is
// an explicit record, never a sentinel value: "deleted" and "never written"
// must stay statically distinguishable.
type RecordKind uint8

const (
	// KindValue marks a record carrying a live value.
	KindValue RecordKind = 0

	// KindTombstone marks a record deleting its key.
	KindTombstone RecordKind = 1
)

// Record is a single immutable mutation. Once written to the WAL or an
// SSTable it is never modified; a later record with the same key and a
// higher LSN supersedes it.
type Record struct {
	Key       []byte
	Value     []byte // nil for tombstones
	Seq       LSN
	Timestamp int64 // Unix nanoseconds, assigned at append time
	Kind      RecordKind
	Stripe    StripeID
}

// IsTombstone reports whether the record marks its key as deleted.
func (r *Record) IsTombstone() bool {
	return r.Kind == KindTombstone
}

// Size returns the approximate in-memory footprint of the record,
// used for memtable flush accounting.
func (r *Record) Size() int64 {
	return int64(len(r.Key) + len(r.Value) + 32)
}

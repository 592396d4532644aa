package model

type OpsType byte

const (
	PUT OpsType = iota
	DELETE
)

// Mutation is a single accepted write as recorded in the commit log.
type Mutation struct {
	Sequence uint64
	Op       OpsType
	Key      []byte
	Value    []byte
	Version  uint64
}

// Record is the versioned unit the store hands out. A record with Deleted set
// is a tombstone: it keeps its version history but is never readable again.
type Record struct {
	ID      string
	Payload []byte
	Version uint64
	Deleted bool
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = make([]byte, len(r.Payload))
		copy(out.Payload, r.Payload)
	}
	return out
}

// MutationFor builds the journal entry describing r after a write.
func MutationFor(r Record) Mutation {
	op := PUT
	if r.Deleted {
		op = DELETE
	}
	return Mutation{
		Op:      op,
		Key:     []byte(r.ID),
		Value:   r.Payload,
		Version: r.Version,
	}
}

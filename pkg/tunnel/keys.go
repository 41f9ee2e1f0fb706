package tunnel

import "fmt"

// msgKey is the (sequence, timestamp) composite key spec.md §3 uses for
// both send_tracking and recv_reassembly. Sequence is carried as a string
// because Go map keys must be comparable and []byte is not.
type msgKey struct {
	Sequence  string
	Timestamp uint64
}

func keyOf(sequence []byte, timestamp uint64) msgKey {
	return msgKey{Sequence: string(sequence), Timestamp: timestamp}
}

func (k msgKey) String() string {
	return fmt.Sprintf("%x@%d", k.Sequence, k.Timestamp)
}

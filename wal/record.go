package wal

// Journal opcodes. OpCommit is the durability marker: records before it are
// replayed on recovery, records after the last marker are discarded.
const (
	OpInsert uint8 = iota + 1
	OpRotate
	OpDelete
	OpRotateRange
	OpCommit
)

// Record is one journaled mutation. The meaning of A and B depends on the
// opcode: a key id and slot for OpInsert, a slot for OpRotate and OpDelete,
// and a slot range [A, B) for OpRotateRange. Payload carries opaque bytes
// that are encrypted at rest.
type Record struct {
	Epoch   uint64
	Op      uint8
	A, B    uint64
	Payload []byte
}

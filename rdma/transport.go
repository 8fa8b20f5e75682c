package rdma

// ServerID identifies one memory server.
type ServerID int

// Transport is the syscall-like primitive the synchronization layer is built
// on: blocking, whole-buffer, all-or-nothing one-sided reads and writes
// against a memory server's registered address space. The fabric itself is an
// external collaborator; any nonzero status from it is unrecoverable here,
// because a partially synchronized region leaves the two address spaces in
// split-brain state.
type Transport interface {
	Write(server ServerID, addr uint64, data []byte) error
	Read(server ServerID, addr uint64, data []byte) error
}

package novarfb

// Transport is the duplex byte stream under a Conn.
type Transport interface {
	// ReadChunk returns the next available bytes without blocking. An empty
	// result means nothing more is available right now.
	ReadChunk() ([]byte, error)
	// Write sends p in full or fails.
	Write(p []byte) error
}

// ChunkTransport is a Transport fed by its owner: a read loop pushes what
// it received and then notifies the Conn.
type ChunkTransport struct {
	chunks [][]byte
	write  func([]byte) error
}

// NewChunkTransport returns a ChunkTransport that sends through write.
func NewChunkTransport(write func([]byte) error) *ChunkTransport {
	return &ChunkTransport{write: write}
}

// Push queues chunk for the next ReadChunk. The Conn copies chunk when it
// reads it, so the caller may reuse chunk after OnReadable returns.
func (t *ChunkTransport) Push(chunk []byte) {
	t.chunks = append(t.chunks, chunk)
}

func (t *ChunkTransport) ReadChunk() ([]byte, error) {
	if len(t.chunks) == 0 {
		return nil, nil
	}
	c := t.chunks[0]
	t.chunks[0] = nil
	t.chunks = t.chunks[1:]
	return c, nil
}

func (t *ChunkTransport) Write(p []byte) error {
	return t.write(p)
}

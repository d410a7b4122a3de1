package pollconn

// Transport defines the byte-level capability a Connection drives.
// Implementations move whole frames; the EventLoop is the only reader.
type Transport interface {
	// Send writes one encoded frame to the peer
	Send(data []byte) error

	// RecvReady reports whether Read would return without blocking
	RecvReady() bool

	// Read returns the next buffered frame. Once the buffer is drained after
	// a failure it returns that failure; a clean peer close reads as io.EOF.
	Read() ([]byte, error)

	// Readable is signalled whenever a frame or a failure becomes available
	Readable() <-chan struct{}

	// Close shuts down the transport and releases resources
	Close() error
}

package protocol

// Assembler accumulates inbound chunks and cuts fixed- or variable-length
// frames from the front once enough bytes have arrived. Bytes are never
// dropped: they leave the buffer only by being extracted.
//
// A frame returned by TryExtract aliases the internal buffer and stays valid
// only until the next call to Append.
type Assembler struct {
	buf []byte
	off int
}

// NewAssembler returns an Assembler with room for size bytes before it grows.
func NewAssembler(size int) *Assembler {
	return &Assembler{buf: make([]byte, 0, size)}
}

// Append adds chunk to the pending bytes. It returns false, and does nothing,
// when chunk is empty, which callers read as "no more data right now".
func (a *Assembler) Append(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	if a.off > 0 {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
	a.buf = append(a.buf, chunk...)
	return true
}

// TryExtract removes and returns the first n pending bytes. It returns
// false, leaving the buffer untouched, when fewer than n bytes are pending.
// A zero-length request always succeeds with an empty frame, whether or not
// anything is buffered.
func (a *Assembler) TryExtract(n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	if n == 0 {
		return []byte{}, true
	}
	if a.Len() < n {
		return nil, false
	}
	frame := a.buf[a.off : a.off+n : a.off+n]
	a.off += n
	if a.off == len(a.buf) {
		a.buf = a.buf[:0]
		a.off = 0
	}
	return frame, true
}

// Len reports the number of pending bytes.
func (a *Assembler) Len() int {
	return len(a.buf) - a.off
}

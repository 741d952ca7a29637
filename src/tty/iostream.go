package tty

/// Iostream_t is a byte queue between a producer (the keyboard IRQ) and
/// the terminal readers. Consumed bytes are shifted out of the front;
/// callers provide their own serialization.
type Iostream_t struct {
	q []uint8
}

/// Mkiostream returns an empty stream.
func Mkiostream() *Iostream_t {
	return &Iostream_t{}
}

/// Used returns the number of queued bytes.
func (st *Iostream_t) Used() int {
	return len(st.q)
}

/// Empty reports whether the stream holds no bytes.
func (st *Iostream_t) Empty() bool {
	return len(st.q) == 0
}

/// Putc appends one byte.
func (st *Iostream_t) Putc(c uint8) {
	st.q = append(st.q, c)
}

/// Drop_last removes the most recently queued byte, if any.
func (st *Iostream_t) Drop_last() {
	if n := len(st.q); n > 0 {
		st.q = st.q[:n-1]
	}
}

/// Getch removes and returns the front byte. The stream must not be
/// empty.
func (st *Iostream_t) Getch() uint8 {
	if len(st.q) == 0 {
		panic("getch on empty stream")
	}
	c := st.q[0]
	st.q = st.q[1:]
	return c
}

/// Read copies up to len(dst) bytes out of the stream; the remaining
/// bytes shift to the front.
func (st *Iostream_t) Read(dst []uint8) int {
	n := copy(dst, st.q)
	st.q = st.q[n:]
	return n
}

/// Find returns the queue index of the first occurrence of c, or -1.
func (st *Iostream_t) Find(c uint8) int {
	for i, v := range st.q {
		if v == c {
			return i
		}
	}
	return -1
}

package tty

import "util"

/// NCCS is the size of the control character array.
const NCCS = 32

/// Input mode flags.
const (
	BRKINT uint32 = 0x002
	ISTRIP uint32 = 0x020
	INLCR  uint32 = 0x040
	IGNCR  uint32 = 0x080
	ICRNL  uint32 = 0x100
)

/// Output mode flags.
const (
	OPOST uint32 = 0x1
	ONLCR uint32 = 0x4
)

/// Local mode flags.
const (
	ISIG   uint32 = 0x0001
	ICANON uint32 = 0x0002
	ECHO   uint32 = 0x0008
	ECHOE  uint32 = 0x0010
	ECHOK  uint32 = 0x0020
	ECHONL uint32 = 0x0040
	IEXTEN uint32 = 0x8000
)

/// Control mode flags.
const (
	CREAD uint32 = 0x80
)

/// Control character indices.
const (
	VINTR  = 0
	VQUIT  = 1
	VERASE = 2
	VKILL  = 3
	VEOF   = 4
	VTIME  = 5
	VMIN   = 6
	VSTART = 8
	VSTOP  = 9
	VSUSP  = 10
)

/// Termios_t is the terminal parameter block.
type Termios_t struct {
	Iflag uint32
	Oflag uint32
	Lflag uint32
	Cflag uint32
	Cc    [NCCS]uint8
}

/// Mktermios returns the default terminal parameters.
func Mktermios() Termios_t {
	t := Termios_t{
		Iflag: ICRNL | BRKINT,
		Oflag: ONLCR | OPOST,
		Lflag: ECHO | ECHOE | ECHOK | ICANON | ISIG | IEXTEN,
		Cflag: CREAD,
	}
	t.Cc[VEOF] = 4
	t.Cc[VERASE] = '\b'
	t.Cc[VINTR] = 3
	t.Cc[VKILL] = 21
	t.Cc[VMIN] = 1
	t.Cc[VQUIT] = 28
	t.Cc[VSTART] = 17
	t.Cc[VSTOP] = 19
	t.Cc[VSUSP] = 26
	t.Cc[VTIME] = 0
	return t
}

/// Bytes serializes the parameter block: four little-endian words
/// followed by the control characters.
func (tio *Termios_t) Bytes() []uint8 {
	buf := make([]uint8, 16+NCCS)
	util.Writen(buf, 4, 0, tio.Iflag)
	util.Writen(buf, 4, 4, tio.Oflag)
	util.Writen(buf, 4, 8, tio.Lflag)
	util.Writen(buf, 4, 12, tio.Cflag)
	copy(buf[16:], tio.Cc[:])
	return buf
}

/// Termios_from parses a serialized parameter block.
func Termios_from(buf []uint8) Termios_t {
	var tio Termios_t
	tio.Iflag = util.Readn(buf, 4, 0)
	tio.Oflag = util.Readn(buf, 4, 4)
	tio.Lflag = util.Readn(buf, 4, 8)
	tio.Cflag = util.Readn(buf, 4, 12)
	copy(tio.Cc[:], buf[16:16+NCCS])
	return tio
}

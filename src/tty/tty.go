// Package tty implements the virtual terminals: a screen buffer kept on
// the kernel heap, a keyboard stream fed by the IRQ path and a canonical
// line buffer driven by the termios flags.
package tty

import "sync"

import "defs"
import "fs"
import "mem"

/// TTY_DEFAULT_BUFFER_SIZE is the initial screen buffer allocation.
const TTY_DEFAULT_BUFFER_SIZE uint32 = 1024

/// Console_i is the text-mode console behind the foreground terminal.
type Console_i interface {
	Putc(c uint8, attr uint8)
	Unputc()
	Redraw(screen []uint8)
}

/// Waiter_i lets terminal reads park the calling thread in the scheduler
/// while the stream is empty. Wait_io returns false when the sleeper was
/// killed instead of woken.
type Waiter_i interface {
	Wait_io(tag interface{}) bool
	Wake_io(tag interface{})
}

const cons_attr uint8 = 0b00000111

/// Tty_t is one virtual terminal.
type Tty_t struct {
	Name   string
	Termio Termios_t
	Node   *fs.Fsnode_t

	mgr   *Ttys_t
	buf   mem.Va_t
	count uint32
	bufsz uint32
	kbd   *Iostream_t
	canon []uint8

	// Onsig posts sig to the foreground process group when ISIG
	// consumes a control byte; wired by the kernel, may be nil.
	Onsig func(sig int)
}

/// Ttys_t owns the terminals and the foreground selection.
type Ttys_t struct {
	sync.Mutex
	cond   *sync.Cond
	kh     *mem.Kheap_t
	cons   Console_i
	waiter Waiter_i
	Ttys   []*Tty_t
	cur    *Tty_t
}

/// Mkttys creates n terminals on the given console. Each is seeded with
/// its boot banner.
func Mkttys(n int, kh *mem.Kheap_t, cons Console_i) *Ttys_t {
	ts := &Ttys_t{kh: kh, cons: cons}
	ts.cond = sync.NewCond(ts)
	for i := 1; i <= n; i++ {
		t := &Tty_t{
			Name:   "tty" + string(rune('0'+i)),
			Termio: Mktermios(),
			mgr:    ts,
			buf:    kh.Kmalloc(TTY_DEFAULT_BUFFER_SIZE),
			bufsz:  TTY_DEFAULT_BUFFER_SIZE,
			kbd:    Mkiostream(),
		}
		ts.Ttys = append(ts.Ttys, t)
		if ts.cur == nil {
			ts.cur = t
		}
		t.Write([]uint8("VK 0.0-indev (" + t.Name + ")\n"))
	}
	return ts
}

/// Set_waiter installs the scheduler hook used to park blocked readers.
func (ts *Ttys_t) Set_waiter(w Waiter_i) {
	ts.Lock()
	ts.waiter = w
	ts.Unlock()
}

/// Current returns the foreground terminal.
func (ts *Ttys_t) Current() *Tty_t {
	ts.Lock()
	defer ts.Unlock()
	return ts.cur
}

/// Tty_switch makes t the foreground terminal and redraws the console
/// from its screen buffer.
func (ts *Ttys_t) Tty_switch(t *Tty_t) {
	ts.Lock()
	defer ts.Unlock()
	if t == ts.cur {
		return
	}
	ts.cur = t
	ts.cons.Redraw(ts.kh.View(t.buf)[:t.count])
}

/// Screen returns a copy of the terminal's screen buffer contents.
func (t *Tty_t) Screen() []uint8 {
	ts := t.mgr
	ts.Lock()
	defer ts.Unlock()
	out := make([]uint8, t.count)
	copy(out, ts.kh.View(t.buf)[:t.count])
	return out
}

/// Write appends src to the screen buffer, growing it geometrically, and
/// forwards the bytes to the console when the terminal is foreground.
func (t *Tty_t) Write(src []uint8) (uint32, defs.Err_t) {
	ts := t.mgr
	ts.Lock()
	defer ts.Unlock()
	t.write_locked(src)
	return uint32(len(src)), defs.ERR_NONE
}

func (t *Tty_t) write_locked(src []uint8) {
	ts := t.mgr
	n := uint32(len(src))
	for t.count+n > t.bufsz {
		t.bufsz *= 2
		t.buf = ts.kh.Krealloc(t.buf, t.bufsz)
	}
	copy(ts.kh.View(t.buf)[t.count:], src)
	t.count += n
	if ts.cur == t {
		for _, c := range src {
			ts.cons.Putc(c, cons_attr)
		}
	}
}

// unwrite_locked drops the last screen byte (canonical erase).
func (t *Tty_t) unwrite_locked() {
	ts := t.mgr
	if t.count == 0 {
		return
	}
	t.count--
	if ts.cur == t {
		ts.cons.Unputc()
	}
}

/// Input runs one keyboard byte through the termios input pipeline; it
/// is called from the keyboard IRQ path for the foreground terminal.
func (t *Tty_t) Input(c uint8) {
	ts := t.mgr
	ts.Lock()
	defer ts.Unlock()
	tio := &t.Termio

	if tio.Iflag&ISTRIP != 0 {
		c &= 0x7f
	}
	if c == '\n' && tio.Iflag&INLCR != 0 {
		c = '\r'
	} else if c == '\r' {
		if tio.Iflag&IGNCR != 0 {
			return
		}
		if tio.Iflag&ICRNL != 0 {
			c = '\n'
		}
	}

	if tio.Lflag&ISIG != 0 && t.Onsig != nil {
		switch c {
		case tio.Cc[VINTR]:
			t.Onsig(defs.SIGINT)
			return
		case tio.Cc[VQUIT]:
			t.Onsig(defs.SIGQUIT)
			return
		case tio.Cc[VSUSP]:
			t.Onsig(defs.SIGTSTP)
			return
		}
	}

	if c == tio.Cc[VERASE] && tio.Lflag&ICANON != 0 && tio.Lflag&ECHOE != 0 {
		if len(t.canon) > 0 {
			t.canon = t.canon[:len(t.canon)-1]
			t.unwrite_locked()
		} else if !t.kbd.Empty() {
			t.kbd.Drop_last()
			t.unwrite_locked()
		}
		return
	}

	if tio.Lflag&ECHO != 0 {
		t.write_locked([]uint8{c})
	} else if c == '\n' && tio.Lflag&ECHONL != 0 && tio.Lflag&ICANON != 0 {
		t.write_locked([]uint8{c})
	}

	if tio.Lflag&ICANON != 0 {
		t.canon = append(t.canon, c)
		if c == '\n' || c == tio.Cc[VEOF] {
			for _, b := range t.canon {
				t.kbd.Putc(b)
			}
			t.canon = t.canon[:0]
			ts.wake_readers(t)
		}
		return
	}
	t.kbd.Putc(c)
	ts.wake_readers(t)
}

func (ts *Ttys_t) wake_readers(t *Tty_t) {
	ts.cond.Broadcast()
	if ts.waiter != nil {
		ts.waiter.Wake_io(t)
	}
}

// sleep parks the caller until new input arrives. It returns false when
// the sleeping thread was killed.
func (ts *Ttys_t) sleep(t *Tty_t) bool {
	if ts.waiter != nil {
		w := ts.waiter
		ts.Unlock()
		ok := w.Wait_io(t)
		ts.Lock()
		return ok
	}
	ts.cond.Wait()
	return true
}

/// Read fills dst from the terminal per the termios read rules:
/// canonical line reads, or raw reads honoring VMIN/VTIME. VTIME > 0 is
/// unsupported and should eventually ride a timer wakeup.
func (t *Tty_t) Read(dst []uint8) (uint32, defs.Err_t) {
	ts := t.mgr
	ts.Lock()
	defer ts.Unlock()
	tio := &t.Termio

	if tio.Lflag&ICANON != 0 {
		for t.kbd.Find('\n') < 0 && t.kbd.Find(tio.Cc[VEOF]) < 0 {
			if !ts.sleep(t) {
				return 0, defs.ERR_UNKNOWN
			}
		}
		end := t.kbd.Find('\n')
		if e := t.kbd.Find(tio.Cc[VEOF]); end < 0 || (e >= 0 && e < end) {
			end = e
		}
		line := make([]uint8, end+1)
		t.kbd.Read(line)
		if line[end] == tio.Cc[VEOF] {
			line = line[:end]
		}
		n := copy(dst, line)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
		return uint32(n), defs.ERR_NONE
	}

	vmin := tio.Cc[VMIN]
	vtime := tio.Cc[VTIME]
	if vtime > 0 {
		return 0, defs.ERR_UNKNOWN
	}
	if vmin == 0 {
		return uint32(t.kbd.Read(dst)), defs.ERR_NONE
	}
	want := int(vmin)
	if want > len(dst) {
		want = len(dst)
	}
	done := 0
	for done < want {
		if t.kbd.Empty() {
			if !ts.sleep(t) {
				return uint32(done), defs.ERR_UNKNOWN
			}
			continue
		}
		done += t.kbd.Read(dst[done:])
	}
	return uint32(done), defs.ERR_NONE
}

/// Dread implements the devfs device read.
func (t *Tty_t) Dread(dst []uint8) (uint32, defs.Err_t) {
	return t.Read(dst)
}

/// Dwrite implements the devfs device write.
func (t *Tty_t) Dwrite(src []uint8) (uint32, defs.Err_t) {
	return t.Write(src)
}

/// ioctl commands understood by the terminals.
const (
	TCGETS uint32 = 0x5401
	TCSETS uint32 = 0x5402
)

/// Get_termios returns the current parameter block.
func (t *Tty_t) Get_termios() Termios_t {
	t.mgr.Lock()
	defer t.mgr.Unlock()
	return t.Termio
}

/// Set_termios installs a new parameter block.
func (t *Tty_t) Set_termios(tio Termios_t) {
	t.mgr.Lock()
	defer t.mgr.Unlock()
	t.Termio = tio
}

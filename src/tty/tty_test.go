package tty

import "strings"
import "sync"
import "testing"
import "time"

import "github.com/google/go-cmp/cmp"
import "github.com/stretchr/testify/require"

import "mem"

type testcons_t struct {
	sync.Mutex
	buf []uint8
}

func (tc *testcons_t) Putc(c uint8, attr uint8) {
	tc.Lock()
	tc.buf = append(tc.buf, c)
	tc.Unlock()
}

func (tc *testcons_t) Unputc() {
	tc.Lock()
	if n := len(tc.buf); n > 0 {
		tc.buf = tc.buf[:n-1]
	}
	tc.Unlock()
}

func (tc *testcons_t) Redraw(screen []uint8) {
	tc.Lock()
	tc.buf = append(tc.buf[:0], screen...)
	tc.Unlock()
}

func (tc *testcons_t) contents() string {
	tc.Lock()
	defer tc.Unlock()
	return string(tc.buf)
}

func mkttys(t *testing.T) (*Ttys_t, *testcons_t) {
	t.Helper()
	cons := &testcons_t{}
	return Mkttys(3, mem.Mkkheap_sized(mem.PGSIZE, nil), cons), cons
}

func TestBootBanner(t *testing.T) {
	ts, cons := mkttys(t)
	require.Len(t, ts.Ttys, 3)
	for i, tt := range ts.Ttys {
		require.Equal(t, "tty"+string(rune('1'+i)), tt.Name)
		require.Equal(t, "VK 0.0-indev ("+tt.Name+")\n", string(tt.Screen()))
	}
	// only the foreground terminal reached the console
	require.Equal(t, "VK 0.0-indev (tty1)\n", cons.contents())
}

func TestWriteAppendsAndForwards(t *testing.T) {
	ts, cons := mkttys(t)
	t1 := ts.Ttys[0]
	n, err := t1.Write([]uint8("Hi"))
	require.Zero(t, err)
	require.Equal(t, uint32(2), n)
	require.True(t, strings.HasSuffix(string(t1.Screen()), "Hi"))
	require.True(t, strings.HasSuffix(cons.contents(), "Hi"))

	// background terminal writes do not reach the console
	ts.Ttys[1].Write([]uint8("quiet"))
	require.False(t, strings.Contains(cons.contents(), "quiet"))
}

func TestScreenBufferGrowsGeometrically(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	big := make([]uint8, 3*TTY_DEFAULT_BUFFER_SIZE)
	for i := range big {
		big[i] = 'x'
	}
	_, err := t1.Write(big)
	require.Zero(t, err)
	require.True(t, strings.HasSuffix(string(t1.Screen()), "xxx"))
	require.GreaterOrEqual(t, t1.bufsz, 3*TTY_DEFAULT_BUFFER_SIZE)
}

func TestCanonicalLineEditing(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	for _, c := range []uint8("abc\b\nde\n") {
		t1.Input(c)
	}
	buf := make([]uint8, 16)
	n, err := t1.Read(buf)
	require.Zero(t, err)
	require.Equal(t, "ab\n", string(buf[:n]))
	// the remainder of the user buffer is zeroed
	require.Equal(t, uint8(0), buf[n])

	n, err = t1.Read(buf)
	require.Zero(t, err)
	require.Equal(t, "de\n", string(buf[:n]))
}

func TestCanonicalEchoAndErase(t *testing.T) {
	ts, cons := mkttys(t)
	t1 := ts.Ttys[0]
	base := cons.contents()
	for _, c := range []uint8("ab\b") {
		t1.Input(c)
	}
	require.Equal(t, base+"a", cons.contents())
	require.True(t, strings.HasSuffix(string(t1.Screen()), ")\na"))
}

func TestCanonicalReadBlocks(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	got := make(chan string, 1)
	go func() {
		buf := make([]uint8, 8)
		n, _ := t1.Read(buf)
		got <- string(buf[:n])
	}()
	select {
	case s := <-got:
		t.Fatalf("read returned %q before a full line arrived", s)
	case <-time.After(20 * time.Millisecond):
	}
	for _, c := range []uint8("ok\n") {
		t1.Input(c)
	}
	select {
	case s := <-got:
		require.Equal(t, "ok\n", s)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestRawNonblockingRead(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	tio := t1.Get_termios()
	tio.Lflag &^= ICANON | ECHO
	tio.Cc[VMIN] = 0
	t1.Set_termios(tio)

	buf := make([]uint8, 4)
	n, err := t1.Read(buf)
	require.Zero(t, err)
	require.Zero(t, n, "VMIN=0 VTIME=0 must not block")

	for _, c := range []uint8("abcdef") {
		t1.Input(c)
	}
	n, err = t1.Read(buf)
	require.Zero(t, err)
	require.Equal(t, "abcd", string(buf[:n]))
	// the remaining bytes shifted to the front
	n, _ = t1.Read(buf)
	require.Equal(t, "ef", string(buf[:n]))
}

func TestRawVminBlocks(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	tio := t1.Get_termios()
	tio.Lflag &^= ICANON | ECHO
	tio.Cc[VMIN] = 3
	t1.Set_termios(tio)

	got := make(chan int, 1)
	go func() {
		buf := make([]uint8, 8)
		n, _ := t1.Read(buf)
		got <- int(n)
	}()
	t1.Input('x')
	select {
	case <-got:
		t.Fatal("read returned before VMIN bytes arrived")
	case <-time.After(20 * time.Millisecond):
	}
	t1.Input('y')
	t1.Input('z')
	select {
	case n := <-got:
		require.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestVtimeUnsupported(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	tio := t1.Get_termios()
	tio.Lflag &^= ICANON
	tio.Cc[VTIME] = 1
	t1.Set_termios(tio)
	_, err := t1.Read(make([]uint8, 4))
	require.NotZero(t, err)
}

func TestInputFlags(t *testing.T) {
	ts, _ := mkttys(t)
	t1 := ts.Ttys[0]
	tio := t1.Get_termios()
	tio.Lflag &^= ICANON | ECHO
	tio.Cc[VMIN] = 0
	tio.Iflag |= ISTRIP
	t1.Set_termios(tio)

	// ISTRIP masks the high bit; ICRNL turns CR into LF
	t1.Input(0x80 | 'a')
	t1.Input('\r')
	buf := make([]uint8, 4)
	n, _ := t1.Read(buf)
	require.Equal(t, "a\n", string(buf[:n]))

	// IGNCR drops CR entirely
	tio.Iflag |= IGNCR
	t1.Set_termios(tio)
	t1.Input('\r')
	n, _ = t1.Read(buf)
	require.Zero(t, n)
}

func TestTtySwitchRedraws(t *testing.T) {
	ts, cons := mkttys(t)
	t2 := ts.Ttys[1]
	ts.Tty_switch(t2)
	require.Equal(t, t2, ts.Current())
	require.Equal(t, string(t2.Screen()), cons.contents())
}

func TestTermiosSerializationRoundtrip(t *testing.T) {
	tio := Mktermios()
	tio.Iflag |= ISTRIP
	tio.Cc[VMIN] = 5
	back := Termios_from(tio.Bytes())
	if diff := cmp.Diff(tio, back); diff != "" {
		t.Fatalf("termios roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultTermios(t *testing.T) {
	tio := Mktermios()
	require.NotZero(t, tio.Lflag&ICANON)
	require.NotZero(t, tio.Lflag&ECHO)
	require.NotZero(t, tio.Iflag&ICRNL)
	require.NotZero(t, tio.Cflag&CREAD)
	require.Equal(t, uint8(4), tio.Cc[VEOF])
	require.Equal(t, uint8('\b'), tio.Cc[VERASE])
	require.Equal(t, uint8(3), tio.Cc[VINTR])
	require.Equal(t, uint8(1), tio.Cc[VMIN])
	require.Equal(t, uint8(0), tio.Cc[VTIME])
}

package proc

import "testing"
import "time"

import "github.com/stretchr/testify/require"

import "defs"

func TestMutexContention(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})
	km := pt.Mkmutex()

	require.True(t, km.Acquire(p, p.Active))
	require.False(t, km.Try())

	got := make(chan bool, 1)
	go func() {
		got <- km.Acquire(child, child.Active)
	}()
	waitstatus(t, child, defs.PROC_STATUS_ASLEEP_THREADS)
	require.Equal(t, defs.THREAD_STATUS_ASLEEP_MUTEX, child.Active.Status)
	select {
	case <-got:
		t.Fatal("acquired a held mutex")
	case <-time.After(20 * time.Millisecond):
	}

	km.Release()
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter never got the mutex")
	}
	require.Equal(t, defs.PROC_STATUS_RUNNING, child.Status)
	km.Release()
}

func TestMutexKilledSleeper(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})
	km := pt.Mkmutex()
	require.True(t, km.Acquire(p, p.Active))

	got := make(chan bool, 1)
	go func() {
		got <- km.Acquire(child, child.Active)
	}()
	waitstatus(t, child, defs.PROC_STATUS_ASLEEP_THREADS)
	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGKILL))
	select {
	case ok := <-got:
		require.False(t, ok, "a killed sleeper must not win the mutex")
	case <-time.After(time.Second):
		t.Fatal("killed sleeper never unwound")
	}
}

func TestMutexReleaseOfFreePanics(t *testing.T) {
	pt, _ := mkkern(t)
	km := pt.Mkmutex()
	require.Panics(t, func() { km.Release() })
}

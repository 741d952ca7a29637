package proc

import "defs"

/// Kmutex_t is a sleeping mutex for kernel paths that may block:
/// contended acquirers park with SLEEP_WAIT_MUTEX and the release path
/// wakes the next waiter.
type Kmutex_t struct {
	pt     *Ptable_t
	locked bool
}

/// Mkmutex returns an unlocked mutex bound to the scheduler.
func (pt *Ptable_t) Mkmutex() *Kmutex_t {
	return &Kmutex_t{pt: pt}
}

/// Acquire takes the mutex on behalf of t, sleeping while it is held
/// elsewhere. It reports false when the sleeper was killed instead.
func (km *Kmutex_t) Acquire(p *Proc_t, t *Thread_t) bool {
	pt := km.pt
	pt.Lock()
	defer pt.Unlock()
	for km.locked {
		if !pt.block(p, t, SLEEP_WAIT_MUTEX, 0, km) {
			return false
		}
	}
	km.locked = true
	return true
}

/// Try takes the mutex only when it is free.
func (km *Kmutex_t) Try() bool {
	pt := km.pt
	pt.Lock()
	defer pt.Unlock()
	if km.locked {
		return false
	}
	km.locked = true
	return true
}

/// Release frees the mutex and returns one sleeping waiter, if any, to
/// its run queue.
func (km *Kmutex_t) Release() {
	pt := km.pt
	pt.Lock()
	defer pt.Unlock()
	if !km.locked {
		panic("release of free mutex")
	}
	km.locked = false
	for _, p := range pt.procs {
		if p == nil {
			continue
		}
		for _, t := range p.Waitq {
			if t.Status == defs.THREAD_STATUS_ASLEEP_MUTEX && t.sleep_tag == km {
				pt.wake_matching_locked(p, func(w *Thread_t) bool {
					return w == t
				})
				return
			}
		}
	}
}

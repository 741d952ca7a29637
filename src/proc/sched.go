package proc

import "defs"

// The scheduler is cooperative plus timer-preempted round robin. Each
// process keeps a FIFO of RUNNING threads; the global queue cycles
// processes, serving the quantum to a process's active thread and then
// multiplexing its remaining threads before yielding. The idle process
// runs when nothing else is runnable.

/// Scheduler_add_process makes p runnable.
func (pt *Ptable_t) Scheduler_add_process(p *Proc_t) {
	pt.Lock()
	defer pt.Unlock()
	pt.add_process_locked(p)
}

func (pt *Ptable_t) add_process_locked(p *Proc_t) {
	for _, q := range pt.runq {
		if q == p {
			return
		}
	}
	p.Status = defs.PROC_STATUS_RUNNING
	pt.runq = append(pt.runq, p)
}

/// Scheduler_remove_process takes p off the run queue.
func (pt *Ptable_t) Scheduler_remove_process(p *Proc_t) {
	pt.Lock()
	defer pt.Unlock()
	pt.remove_process_locked(p)
}

func (pt *Ptable_t) remove_process_locked(p *Proc_t) {
	for i, q := range pt.runq {
		if q == p {
			if i < pt.curi {
				pt.curi--
			}
			pt.runq = append(pt.runq[:i], pt.runq[i+1:]...)
			break
		}
	}
	if pt.Cur == p {
		pt.schedule_locked()
	}
}

/// Scheduler_add_thread appends t to p's running FIFO.
func (pt *Ptable_t) Scheduler_add_thread(p *Proc_t, t *Thread_t) {
	pt.Lock()
	defer pt.Unlock()
	pt.add_thread_locked(p, t)
}

func (pt *Ptable_t) add_thread_locked(p *Proc_t, t *Thread_t) {
	t.Status = defs.THREAD_STATUS_RUNNING
	p.Runq = append(p.Runq, t)
	for i, w := range p.Waitq {
		if w == t {
			p.Waitq = append(p.Waitq[:i], p.Waitq[i+1:]...)
			break
		}
	}
	if p.Status == defs.PROC_STATUS_ASLEEP_THREADS {
		pt.add_process_locked(p)
	}
	if p.Active == nil || p.Active.Status != defs.THREAD_STATUS_RUNNING {
		p.Active = t
	}
	pt.cond.Broadcast()
}

/// Scheduler_remove_thread takes t off p's running FIFO; when the last
/// thread goes to sleep the whole process leaves the process queue.
func (pt *Ptable_t) Scheduler_remove_thread(p *Proc_t, t *Thread_t) {
	pt.Lock()
	defer pt.Unlock()
	pt.remove_thread_locked(p, t)
}

func (pt *Ptable_t) remove_thread_locked(p *Proc_t, t *Thread_t) {
	for i, q := range p.Runq {
		if q == t {
			p.Runq = append(p.Runq[:i], p.Runq[i+1:]...)
			break
		}
	}
	if len(p.Runq) == 0 && p.Status == defs.PROC_STATUS_RUNNING {
		p.Status = defs.PROC_STATUS_ASLEEP_THREADS
		pt.remove_process_locked(p)
	} else if p.Active == t && len(p.Runq) > 0 {
		p.Active = p.Runq[0]
	}
}

/// Wait_thread puts t to sleep for the given reason. data1 carries the
/// IRQ number, the tick delta or the io tag depending on the reason.
func (pt *Ptable_t) Wait_thread(p *Proc_t, t *Thread_t, reason int, data1 uint32, tag interface{}) {
	pt.Lock()
	pt.wait_thread_locked(p, t, reason, data1, tag)
	pt.Unlock()
}

func (pt *Ptable_t) wait_thread_locked(p *Proc_t, t *Thread_t, reason int, data1 uint32, tag interface{}) {
	t.sleep_reason = reason
	t.sleep_tag = tag
	switch reason {
	case SLEEP_WAIT_IRQ:
		t.Status = defs.THREAD_STATUS_ASLEEP_IRQ
		t.sleep_d1 = data1
	case SLEEP_TIME:
		t.Status = defs.THREAD_STATUS_ASLEEP_TIME
		// data1 is a delta; arm an absolute deadline
		t.sleep_d1 = uint32(pt.ticks) + data1
	case SLEEP_WAIT_IO:
		t.Status = defs.THREAD_STATUS_ASLEEP_IO
	case SLEEP_WAIT_CHILD:
		t.Status = defs.THREAD_STATUS_ASLEEP_CHILD
	case SLEEP_WAIT_MUTEX:
		t.Status = defs.THREAD_STATUS_ASLEEP_MUTEX
	default:
		t.Status = defs.THREAD_STATUS_ASLEEP_TIME
	}
	p.Waitq = append(p.Waitq, t)
	pt.remove_thread_locked(p, t)
}

// block parks the calling goroutine until t runs again. It returns false
// when t was killed while sleeping; the caller must not complete its
// system call in that case.
func (pt *Ptable_t) block(p *Proc_t, t *Thread_t, reason int, data1 uint32, tag interface{}) bool {
	pt.wait_thread_locked(p, t, reason, data1, tag)
	for t.Status != defs.THREAD_STATUS_RUNNING && !t.killed {
		pt.cond.Wait()
	}
	return !t.killed
}

/// Block puts the thread to sleep and waits for its wakeup, reporting
/// false when the sleeper was killed.
func (pt *Ptable_t) Block(p *Proc_t, t *Thread_t, reason int, data1 uint32, tag interface{}) bool {
	pt.Lock()
	defer pt.Unlock()
	return pt.block(p, t, reason, data1, tag)
}

/// Sleep parks the current thread of p for the given number of timer
/// ticks.
func (pt *Ptable_t) Sleep(p *Proc_t, ticks uint32) bool {
	pt.Lock()
	defer pt.Unlock()
	return pt.block(p, p.Active, SLEEP_TIME, ticks, nil)
}

/// Irq_wakeup returns every thread sleeping on the given IRQ to its run
/// queue.
func (pt *Ptable_t) Irq_wakeup(irq uint32) {
	pt.Lock()
	defer pt.Unlock()
	for _, p := range pt.procs {
		if p == nil {
			continue
		}
		pt.wake_matching_locked(p, func(t *Thread_t) bool {
			return t.Status == defs.THREAD_STATUS_ASLEEP_IRQ && t.sleep_d1 == irq
		})
	}
}

func (pt *Ptable_t) wake_matching_locked(p *Proc_t, match func(*Thread_t) bool) {
	var keep []*Thread_t
	for _, t := range p.Waitq {
		if match(t) {
			t.Status = defs.THREAD_STATUS_RUNNING
			p.Runq = append(p.Runq, t)
			if p.Active == nil || p.Active.Status != defs.THREAD_STATUS_RUNNING {
				p.Active = t
			}
			if p.Status == defs.PROC_STATUS_ASLEEP_THREADS {
				pt.add_process_locked(p)
			}
		} else {
			keep = append(keep, t)
		}
	}
	p.Waitq = keep
	pt.cond.Broadcast()
}

/// Wait_io parks the current thread until the io stream behind tag has
/// data; it implements the terminal read hook. A wake that raced ahead
/// of the sleeper is consumed instead of parking.
func (pt *Ptable_t) Wait_io(tag interface{}) bool {
	pt.Lock()
	defer pt.Unlock()
	if pt.iopending[tag] > 0 {
		pt.iopending[tag]--
		return true
	}
	p := pt.Cur
	return pt.block(p, p.Active, SLEEP_WAIT_IO, 0, tag)
}

/// Wake_io returns threads sleeping on the stream behind tag. The event
/// is also latched for a reader between its empty-check and its park.
func (pt *Ptable_t) Wake_io(tag interface{}) {
	pt.Lock()
	defer pt.Unlock()
	pt.iopending[tag]++
	for _, p := range pt.procs {
		if p == nil {
			continue
		}
		pt.wake_matching_locked(p, func(t *Thread_t) bool {
			return t.Status == defs.THREAD_STATUS_ASLEEP_IO && t.sleep_tag == tag
		})
	}
}

// wake_child_waiters_locked returns threads of p sleeping on child exits.
func (pt *Ptable_t) wake_child_waiters_locked(p *Proc_t) {
	pt.wake_matching_locked(p, func(t *Thread_t) bool {
		return t.Status == defs.THREAD_STATUS_ASLEEP_CHILD
	})
}

/// Tick advances the global timer: TIME sleepers whose deadline arrived
/// wake up, and the running thread is preempted when its quantum runs
/// out.
func (pt *Ptable_t) Tick() {
	pt.Lock()
	defer pt.Unlock()
	pt.ticks++
	for _, p := range pt.procs {
		if p == nil {
			continue
		}
		pt.wake_matching_locked(p, func(t *Thread_t) bool {
			return t.Status == defs.THREAD_STATUS_ASLEEP_TIME &&
				uint64(t.sleep_d1) <= pt.ticks
		})
	}
	pt.qleft--
	if pt.qleft <= 0 {
		pt.schedule_locked()
	}
}

/// Ticks returns the global tick counter.
func (pt *Ptable_t) Ticks() uint64 {
	pt.Lock()
	defer pt.Unlock()
	return pt.ticks
}

/// Schedule performs one scheduling decision: the next thread of the
/// current process, or the next runnable process, or the idle process.
func (pt *Ptable_t) Schedule() {
	pt.Lock()
	defer pt.Unlock()
	pt.schedule_locked()
}

// schedule_locked is the context switch: apart from the boot-time setup
// in Mkptable and Spawn_init_process, it is the only code path that
// changes Cur. The outgoing thread's registers are already in its
// Thread_t; the incoming process's directory becomes active.
func (pt *Ptable_t) schedule_locked() {
	pt.qleft = pt.quantum

	// a process with two or more runnable threads is multiplexed
	// internally before the next process runs
	if p := pt.Cur; p != nil && p.Status == defs.PROC_STATUS_RUNNING && len(p.Runq) > 1 {
		if p.Runq[0] == p.Active {
			p.Runq = append(p.Runq[1:], p.Runq[0])
			p.Active = p.Runq[0]
			pt.cond.Broadcast()
			return
		}
		p.Active = p.Runq[0]
		pt.cond.Broadcast()
		return
	}

	if len(pt.runq) == 0 {
		pt.Cur = pt.Idlep
		pt.Vmx.Pd_switch(pt.Idlep.Pd)
		pt.cond.Broadcast()
		return
	}
	pt.curi = (pt.curi + 1) % len(pt.runq)
	p := pt.runq[pt.curi]
	if len(p.Runq) > 0 {
		p.Active = p.Runq[0]
	}
	pt.Cur = p
	pt.Vmx.Pd_switch(p.Pd)
	pt.cond.Broadcast()
}

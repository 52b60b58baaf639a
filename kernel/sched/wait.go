package sched

import (
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/wait"
)

func init() {
	wait.SetWakeFn(func(waiter interface{}) {
		if t, ok := waiter.(*Thread); ok {
			EnqueueThread(t)
		}
	})
}

// WaitOn blocks the calling thread on w and returns the outcome. If w is already satisfiable
// the call returns without ever leaving Executing.
//
// A Mutex wake is only ever an invitation to retry, never a handoff: each
// time this thread wakes while still Incomplete on a Mutex, it must call
// TryAcquireMutex and block again if a racer got there first.
func WaitOn(w *wait.Waitable) wait.Status {
	c := cpu.Current()
	self, _ := c.Current.(*Thread)

	e := wait.WaitOne(w, self)
	for e.Status() == wait.Incomplete {
		blockCurrent(self)
		if e.Status() == wait.Incomplete && w.Kind == wait.KindMutex {
			wait.TryAcquireMutex(e)
		}
	}
	return e.Status()
}

// WaitOnMany is the scheduler-side counterpart of wait.WaitMany. It
// returns at once if any entry has already left Incomplete; otherwise it
// blocks the calling thread once and returns after the first wake. It
// does not block again, so on return (for AND as for OR) some entries may
// still be Incomplete and the caller reads each entry's Status.
func WaitOnMany(ws []*wait.Waitable, waitAll bool) []*wait.WaitEntry {
	c := cpu.Current()
	self, _ := c.Current.(*Thread)

	entries := wait.WaitMany(ws, self, waitAll)
	done := false
	for _, e := range entries {
		if e.Status() != wait.Incomplete {
			done = true
			break
		}
	}
	if done {
		return entries
	}
	blockCurrent(self)
	return entries
}

// blockCurrent parks self in the Waiting state and forces a reschedule;
// it returns once something has re-enqueued self as Ready and the
// scheduler has picked it again.
func blockCurrent(self *Thread) {
	if self == nil {
		return
	}
	self.mu.Lock()
	self.state = Waiting
	self.mu.Unlock()

	prev := ipl.RaiseIpl(ipl.DpcLevel)
	Reschedule()
	ipl.LowerIpl(prev)
}

package pfn

import (
	"unsafe"

	"nyxkernel/kernel/ipl"
)

// addrOf returns l's address for use in the address-ordered multi-lock
// discipline cross-list moves require.
func addrOf(l *List) uintptr {
	return uintptr(unsafe.Pointer(l))
}

// List is one of a domain's four lock-protected page lists (free, active,
// dirty, standby). Each is guarded by its own spinlock; the free-list
// path additionally runs with interrupts off, which this package models
// by giving every List an IPL=Interrupt ceiling lock (the strictest any
// of the four needs).
type List struct {
	kind DomainList
	lock *ipl.Lock
	head *PageInfo
	tail *PageInfo
	n    int
}

// NewList returns an empty list of the given kind.
func NewList(kind DomainList) *List {
	return &List{kind: kind, lock: ipl.NewLock(ipl.Interrupt)}
}

// Len returns the number of pages currently on the list.
func (l *List) Len() int {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.n
}

// PushBack appends p to the tail of l and sets its list membership to l's
// kind. p must not currently be linked into any list (this one or
// another); moving a page already on a list is MoveTo's job, not
// PushBack's.
func (l *List) PushBack(p *PageInfo) {
	l.lock.Acquire()
	defer l.lock.Release()
	l.pushBackLocked(p)
}

func (l *List) pushBackLocked(p *PageInfo) {
	p.listPrev = l.tail
	p.listNext = nil
	if l.tail != nil {
		l.tail.listNext = p
	} else {
		l.head = p
	}
	l.tail = p
	p.list = l.kind
	l.n++
}

// Remove unlinks p from l. p must currently be a member of l; removing a
// page that isn't is a programmer error and panics.
func (l *List) Remove(p *PageInfo) {
	l.lock.Acquire()
	defer l.lock.Release()
	l.removeLocked(p)
}

func (l *List) removeLocked(p *PageInfo) {
	if p.list != l.kind {
		panic("pfn: Remove called for a page not on this list")
	}
	if p.listPrev != nil {
		p.listPrev.listNext = p.listNext
	} else {
		l.head = p.listNext
	}
	if p.listNext != nil {
		p.listNext.listPrev = p.listPrev
	} else {
		l.tail = p.listPrev
	}
	p.listPrev, p.listNext = nil, nil
	p.list = ListNone
	l.n--
}

// PopFront removes and returns the head of the list, or nil if empty.
func (l *List) PopFront() *PageInfo {
	l.lock.Acquire()
	defer l.lock.Release()
	p := l.head
	if p == nil {
		return nil
	}
	l.removeLocked(p)
	return p
}

// MoveTo atomically (with respect to both lists' locks) moves p from l to
// dst, appending it at the tail. Used by the page-out daemon to move
// pages between active/dirty/standby without a window where p is on no
// list or appears on two.
func (l *List) MoveTo(dst *List, p *PageInfo) {
	if l == dst {
		return
	}
	// Acquire in a fixed, address-derived order to avoid deadlock against
	// a concurrent MoveTo the other way.
	first, second := l, dst
	if addrOf(dst) < addrOf(l) {
		first, second = dst, l
	}
	first.lock.Acquire()
	second.lock.Acquire()
	defer first.lock.Release()
	defer second.lock.Release()

	l.removeLocked(p)
	dst.pushBackLocked(p)
}

// Each calls fn for every page currently on the list, head to tail. fn
// must not mutate list membership; callers that need to move pages while
// scanning (e.g. the page-out daemon) should collect candidates first and
// mutate afterwards.
func (l *List) Each(fn func(*PageInfo)) {
	l.lock.Acquire()
	defer l.lock.Release()
	for p := l.head; p != nil; p = p.listNext {
		fn(p)
	}
}

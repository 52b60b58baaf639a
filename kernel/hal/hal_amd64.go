// +build amd64

package hal

import "unsafe"

// MyCoreID returns the logical id of the CPU executing the call.
func MyCoreID() uint32

// MyCpuLocals returns the base address of the calling CPU's per-CPU
// storage block (see kernel/cpu.Init). A freshly allocated,
// zero-filled copy of the per-CPU template exists for every non-BSP CPU;
// this call never fails.
func MyCpuLocals() uintptr

// PageSize returns the architecture's native page size in bytes.
func PageSize() uintptr

// IntrsOn unconditionally unmasks asynchronous interrupts on the local CPU.
func IntrsOn()

// IntrsOff unconditionally masks asynchronous interrupts on the local CPU.
func IntrsOff()

// IntrsExchange sets the local interrupt mask to the requested state and
// returns the previous state.
func IntrsExchange(enabled bool) (prevEnabled bool)

// WaitForIntr halts the calling CPU until the next interrupt arrives. Used
// by the idle thread; this is a low-power wait, not a busy loop.
func WaitForIntr()

// HwSwitchThread saves the currently executing context into *prev and
// resumes execution at next. Returns when some other CPU (or a future call
// on this CPU) switches back into the context this call saved.
func HwSwitchThread(prev *unsafe.Pointer, next unsafe.Pointer)

// HwPrimeThread prepares an opaque architecture context so that the first
// HwSwitchThread into it starts execution at entry(arg), using the supplied
// stack.
func HwPrimeThread(ctx *unsafe.Pointer, stack unsafe.Pointer, stackLen uintptr, entry uintptr, arg uintptr)

// HwPrimeUserContext prepares ctx so that HwEnterUserContext resumes at a
// user-mode entry point. No syscall/userspace surface is implemented
// beyond this declaration.
func HwPrimeUserContext(ctx *unsafe.Pointer, userEntry, userStack uintptr)

// HwEnterUserContext transfers control to a previously primed user context
// and never returns to the caller.
func HwEnterUserContext(ctx unsafe.Pointer)

// HwWalkMap walks the page tables rooted at root for virtAddr and returns
// whether a leaf mapping exists, its physical frame address and its flags.
func HwWalkMap(root uintptr, virtAddr uintptr) (present bool, frameAddr uintptr, flags PteFlags)

// HwCopyPte atomically installs a mapping for virtAddr in the page tables
// rooted at root, allocating any missing interior page-table levels via
// allocPage. set controls which flags are written.
func HwCopyPte(root uintptr, virtAddr uintptr, frameAddr uintptr, set PteFlags, allocPage func() (uintptr, bool)) bool

// HwClearPte removes any leaf mapping for virtAddr in the page tables
// rooted at root. Returns false if no mapping was present.
func HwClearPte(root uintptr, virtAddr uintptr) bool

// HwKernelMap atomically installs next as the kernel's root page table and
// returns the previously active one.
func HwKernelMap(next uintptr) (prev uintptr)

// HwUserMap atomically installs next as the calling CPU's user-mode root
// page table and returns the previously active one. next == 0 deactivates
// any user mapping.
func HwUserMap(next uintptr) (prev uintptr)

// HwSetAlarm arms the local one-shot timer to fire at the given monotonic
// timestamp, as returned by HwReadTimestamp.
func HwSetAlarm(expiry uint64)

// HwReadTimestamp returns the current monotonic timestamp in the
// architecture's native tick unit.
func HwReadTimestamp() uint64

// StallFor busy-waits for approximately the given number of nanoseconds.
// Only used where a wait primitive is unavailable, e.g. before the wait
// subsystem is initialized.
func StallFor(ns uint64)

// HwSendIPI asynchronously delivers an inter-processor interrupt to the CPU
// identified by ipiID (an architecture-opaque token, e.g. the reference's
// SMP control `ipiID` field).
func HwSendIPI(ipiID uint32)

// HwFlushTLB invalidates the local TLB for the virtual range
// [base, base+length).
func HwFlushTLB(base uintptr, length uintptr)

// HwSetTempMapSlot points PAC slot index at paddr and flushes the local TLB
// entry for that slot's virtual address, returning the slot's virtual
// address.
func HwSetTempMapSlot(index uint32, paddr uintptr) (virtAddr uintptr)

// HwHalt stops the calling CPU permanently. Never returns.
func HwHalt()

// HwDumpState renders a hardware register/trap-frame dump into buf,
// returning the number of bytes written. Truncates silently if buf is too small.
func HwDumpState(buf []byte) (n int)

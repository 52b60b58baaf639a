// Package hal declares the hardware-abstraction boundary consumed by the
// rest of the core. Every function declared in this package's
// architecture-specific files (e.g. hal_amd64.go) has no Go body in the
// shipped kernel image; each is backed by a hand-written assembly stub
// supplied by the architecture back-end (the reference kernel follows the
// same split; see kernel/cpu/cpu_amd64.go, whose functions are declared
// without bodies and resolved at link time).
//
// The core never writes assembly. Anything that needs architecture-specific
// behaviour is declared here and nowhere else.
package hal

// PteFlags mirrors the architecture's page table entry attribute bits in a
// portable form. The concrete bit positions are an architecture-backend
// concern; the core only ever combines these symbolic flags.
type PteFlags uint32

// Portable PTE attribute flags. Concrete bit assignment is architecture
// specific and lives entirely behind HwWalkMap/HwCopyPte.
const (
	PteFlagPresent PteFlags = 1 << iota
	PteFlagWritable
	PteFlagUser
	PteFlagNoExecute
	PteFlagCopyOnWrite
	PteFlagMMIO
	PteFlagGlobal
)

// HasFlags reports whether all of want are set in f.
func (f PteFlags) HasFlags(want PteFlags) bool {
	return f&want == want
}

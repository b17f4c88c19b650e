package mm

// MappingKind describes the access permissions and caching policy of a
// virtual memory mapping.
type MappingKind uint8

const (
	// MappingCode marks a read/execute mapping.
	MappingCode MappingKind = iota

	// MappingReadOnly marks a read-only, non-executable mapping.
	MappingReadOnly

	// MappingReadWrite marks a read/write, non-executable mapping.
	MappingReadWrite

	// MappingFull marks a read/write/execute mapping. It is used for
	// intermediate page tables and trusted identity mappings.
	MappingFull

	// MappingGuard reserves a virtual page that must fault on any access.
	MappingGuard

	// MappingMmio marks a read/write, uncached mapping for device registers.
	MappingMmio

	// MappingFramebuffer marks a write, uncached mapping for framebuffers.
	MappingFramebuffer

	numMappingKinds
)

var mappingKindNames = [numMappingKinds]string{
	"code",
	"read-only",
	"read-write",
	"full",
	"guard",
	"mmio",
	"framebuffer",
}

// String implements fmt.Stringer for MappingKind.
func (k MappingKind) String() string {
	if k >= numMappingKinds {
		return "unknown"
	}
	return mappingKindNames[k]
}

// Valid returns true if k is one of the defined mapping kinds.
func (k MappingKind) Valid() bool {
	return k < numMappingKinds
}

// CanRead returns true if a mapping of this kind can be read from.
func (k MappingKind) CanRead() bool {
	switch k {
	case MappingCode, MappingReadOnly, MappingReadWrite, MappingFull, MappingMmio:
		return true
	default:
		return false
	}
}

// CanWrite returns true if a mapping of this kind can be written to.
func (k MappingKind) CanWrite() bool {
	switch k {
	case MappingReadWrite, MappingFull, MappingMmio, MappingFramebuffer:
		return true
	default:
		return false
	}
}

// CanExecute returns true if code can be fetched from a mapping of this kind.
func (k MappingKind) CanExecute() bool {
	switch k {
	case MappingCode, MappingFull:
		return true
	default:
		return false
	}
}

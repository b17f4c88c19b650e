package vmm

// TLBInvalidator removes stale translations from the TLBs of every core that
// may have cached them. Shootdown must not return before all cores have
// dropped the translations for [virt, virt+pageCount*mm.PageSize).
type TLBInvalidator interface {
	Shootdown(virt, pageCount uintptr)
}

// TLBInvalidatorFunc adapts an ordinary function to the TLBInvalidator
// interface.
type TLBInvalidatorFunc func(virt, pageCount uintptr)

// Shootdown calls f(virt, pageCount).
func (f TLBInvalidatorFunc) Shootdown(virt, pageCount uintptr) {
	f(virt, pageCount)
}

type nopInvalidator struct{}

func (nopInvalidator) Shootdown(_, _ uintptr) {}

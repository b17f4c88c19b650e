package kfmt

import "mycro/kernel"

var (
	// haltFn stops the calling core after the panic banner has been
	// printed. It is replaced by tests.
	haltFn = haltCore

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling core. Calls to Panic never return. Memory-management subsystems use
// Panic to report violated preconditions such as misaligned addresses.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}

// haltCore stops the calling core. A hosted build cannot execute HLT with
// interrupts disabled, so the core's goroutine is unwound with a runtime
// panic that carries err instead.
func haltCore(err *kernel.Error) {
	panic(err)
}

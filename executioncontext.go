package dispatchqueue

import (
	"strings"

	"golang.org/x/text/language"
)

// CaptureOptions selects which ambient dimensions an [ExecutionContext]
// records at capture time and re-establishes around an operation body.
//
// CaptureOptions is a bitset; combine flags with bitwise or. The
// distinguished [OptionsDefault] value means "use the dispatcher default" and
// must be resolved before capture.
type CaptureOptions int32

const (
	// CaptureNothing captures no ambient dimension.
	CaptureNothing CaptureOptions = 0

	// CaptureScope captures the caller-defined ambient scope.
	CaptureScope CaptureOptions = 1 << iota
	// CaptureSynchronizationHook captures the ambient synchronization hook.
	CaptureSynchronizationHook
	// CaptureLocale captures the ambient locale.
	CaptureLocale
	// CaptureDisplayLocale captures the ambient display locale.
	CaptureDisplayLocale

	// CaptureAll captures every ambient dimension.
	CaptureAll = CaptureScope | CaptureSynchronizationHook | CaptureLocale | CaptureDisplayLocale

	// OptionsDefault is the sentinel meaning "resolve against the dispatcher
	// default at submission time".
	OptionsDefault CaptureOptions = -1
)

// Has reports whether every flag in mask is set.
func (o CaptureOptions) Has(mask CaptureOptions) bool {
	return o&mask == mask
}

// valid reports whether o is a combination of defined flags. OptionsDefault
// is not valid here; it must be resolved first.
func (o CaptureOptions) valid() bool {
	return o >= 0 && o&^CaptureAll == 0
}

// String returns a human-readable representation of the option set.
func (o CaptureOptions) String() string {
	if o == OptionsDefault {
		return "Default"
	}
	if o == CaptureNothing {
		return "Nothing"
	}
	var parts []string
	if o.Has(CaptureScope) {
		parts = append(parts, "Scope")
	}
	if o.Has(CaptureSynchronizationHook) {
		parts = append(parts, "SynchronizationHook")
	}
	if o.Has(CaptureLocale) {
		parts = append(parts, "Locale")
	}
	if o.Has(CaptureDisplayLocale) {
		parts = append(parts, "DisplayLocale")
	}
	if rest := o &^ CaptureAll; rest != 0 || o < 0 {
		parts = append(parts, "Invalid")
	}
	return strings.Join(parts, "|")
}

// ExecutionContext is a snapshot of an [AmbientState], captured on the
// submitter's goroutine and re-established around an operation body on the
// worker. The snapshot remembers which state it was taken from, so
// re-establishment and restoration act on that state and never on another
// dispatcher's.
//
// An ExecutionContext records, per dimension, whether the dimension was
// captured and the captured value. It is a value snapshot: capture once with
// [AmbientState.Capture], reuse many times via [ExecutionContext.Clone].
type ExecutionContext struct {
	ambient       *AmbientState
	scope         any
	hook          SynchronizationHook
	locale        language.Tag
	displayLocale language.Tag

	hasScope         bool
	hasHook          bool
	hasLocale        bool
	hasDisplayLocale bool
}

// Capture inspects the ambient state and records the value of each dimension
// enabled in options.
//
// OptionsDefault is rejected with [ErrOptionsNotResolved]; resolve it against
// the dispatcher default first. Undefined flag bits are rejected with
// [ErrInvalidOptions].
func (a *AmbientState) Capture(options CaptureOptions) (*ExecutionContext, error) {
	if options == OptionsDefault {
		return nil, ErrOptionsNotResolved
	}
	if !options.valid() {
		return nil, ErrInvalidOptions
	}
	c := ExecutionContext{ambient: a}
	if options.Has(CaptureScope) {
		c.scope = a.Scope()
		c.hasScope = true
	}
	if options.Has(CaptureSynchronizationHook) {
		c.hook = a.SynchronizationHook()
		c.hasHook = true
	}
	if options.Has(CaptureLocale) {
		c.locale = a.Locale()
		c.hasLocale = true
	}
	if options.Has(CaptureDisplayLocale) {
		c.displayLocale = a.DisplayLocale()
		c.hasDisplayLocale = true
	}
	return &c, nil
}

// Clone returns an independent snapshot, suitable for capturing once and
// submitting many times. Locale values are immutable tags, so a shallow copy
// is a deep copy for every dimension that requires one.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Locale returns the captured locale and whether it was captured.
func (c *ExecutionContext) Locale() (language.Tag, bool) {
	return c.locale, c.hasLocale
}

// DisplayLocale returns the captured display locale and whether it was
// captured.
func (c *ExecutionContext) DisplayLocale() (language.Tag, bool) {
	return c.displayLocale, c.hasDisplayLocale
}

// Scope returns the captured scope and whether it was captured.
func (c *ExecutionContext) Scope() (any, bool) {
	return c.scope, c.hasScope
}

// Hook returns the captured synchronization hook and whether it was captured.
func (c *ExecutionContext) Hook() (SynchronizationHook, bool) {
	return c.hook, c.hasHook
}

// Run re-establishes each dimension enabled both in options and in the
// snapshot, invokes the callable with the given arguments, and restores the
// previous ambient values in reverse order on every exit path.
//
// Restoration failures are swallowed: a failure to restore must not mask the
// primary result. A panic in the callable is recovered and surfaced as a
// [PanicError].
//
// For an asynchronous callable the returned value is its [*Completion]
// handle.
func (c *ExecutionContext) Run(options CaptureOptions, callable any, args ...any) (any, error) {
	if options == OptionsDefault {
		return nil, ErrOptionsNotResolved
	}
	if !options.valid() {
		return nil, ErrInvalidOptions
	}
	b, err := bindCallable(callable)
	if err != nil {
		return nil, err
	}
	return c.run(options, func() (any, error) { return b.invoke(args) })
}

// run sets the enabled ambient dimensions, invokes fn, and restores the
// previous values in reverse order. Restores run (and are individually
// recovered) even when fn panics; the panic is converted to a PanicError.
func (c *ExecutionContext) run(options CaptureOptions, fn func() (any, error)) (value any, err error) {
	type restore func()
	var restores []restore

	if c != nil && c.ambient != nil {
		a := c.ambient
		if options.Has(CaptureScope) && c.hasScope {
			prev := a.SetScope(c.scope)
			restores = append(restores, func() { a.SetScope(prev) })
		}
		if options.Has(CaptureSynchronizationHook) && c.hasHook {
			prev := a.SetSynchronizationHook(c.hook)
			restores = append(restores, func() { a.SetSynchronizationHook(prev) })
		}
		if options.Has(CaptureLocale) && c.hasLocale {
			prev := a.SetLocale(c.locale)
			restores = append(restores, func() { a.SetLocale(prev) })
		}
		if options.Has(CaptureDisplayLocale) && c.hasDisplayLocale {
			prev := a.SetDisplayLocale(c.displayLocale)
			restores = append(restores, func() { a.SetDisplayLocale(prev) })
		}
	}

	defer func() {
		for i := len(restores) - 1; i >= 0; i-- {
			func() {
				defer func() { _ = recover() }()
				restores[i]()
			}()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r}
		}
	}()

	return fn()
}

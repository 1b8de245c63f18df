package dispatchqueue

import (
	"sync"

	"golang.org/x/text/language"
)

// SynchronizationHook receives continuations that should re-enter an
// executor. The dispatcher installs a dispatcher-backed hook into its own
// ambient state for the duration of its run, so that continuations scheduled
// through the hook resume on the worker goroutine.
//
// Implementations must be safe for concurrent use.
type SynchronizationHook interface {
	// Post schedules fn for asynchronous execution. It must not run fn
	// synchronously and must not block on fn's completion.
	Post(fn func()) error
}

// AmbientState holds the ambient dimensions operations may capture at
// submission and have re-established around their bodies: locale, display
// locale, a caller-defined scope, and the synchronization hook.
//
// Every [Dispatcher] owns its own AmbientState; nothing is shared between
// dispatchers, so a process may host several concurrently without one run
// disturbing another's installed hook or locale. Standalone instances can be
// created with [NewAmbientState] for capture outside any dispatcher.
//
// All accessors are safe for concurrent use.
type AmbientState struct {
	mu            sync.RWMutex
	locale        language.Tag
	displayLocale language.Tag
	scope         any
	hook          SynchronizationHook
}

// NewAmbientState creates an empty ambient state: [language.Und] locales,
// nil scope, no hook.
func NewAmbientState() *AmbientState {
	return &AmbientState{}
}

// Locale returns the ambient locale. The zero value is [language.Und] when
// no locale has been set.
func (a *AmbientState) Locale() language.Tag {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.locale
}

// SetLocale replaces the ambient locale, returning the previous value.
func (a *AmbientState) SetLocale(tag language.Tag) language.Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.locale
	a.locale = tag
	return prev
}

// DisplayLocale returns the ambient display locale.
func (a *AmbientState) DisplayLocale() language.Tag {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.displayLocale
}

// SetDisplayLocale replaces the ambient display locale, returning the
// previous value.
func (a *AmbientState) SetDisplayLocale(tag language.Tag) language.Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.displayLocale
	a.displayLocale = tag
	return prev
}

// Scope returns the caller-defined ambient scope, or nil.
func (a *AmbientState) Scope() any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scope
}

// SetScope replaces the caller-defined ambient scope, returning the previous
// value.
func (a *AmbientState) SetScope(scope any) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.scope
	a.scope = scope
	return prev
}

// SynchronizationHook returns the ambient synchronization hook, or nil when
// none is installed.
func (a *AmbientState) SynchronizationHook() SynchronizationHook {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hook
}

// SetSynchronizationHook replaces the ambient synchronization hook,
// returning the previous value. The dispatcher calls this around Run to
// install its dispatcher-backed hook and to restore the prior hook on exit.
func (a *AmbientState) SetSynchronizationHook(hook SynchronizationHook) SynchronizationHook {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.hook
	a.hook = hook
	return prev
}

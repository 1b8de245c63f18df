// Package container provides the one-shot composition container the process
// builder registers services against. It resolves named contracts to
// singleton or per-resolve instances; it has no runtime interaction with the
// dispatcher core.
package container

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Standard errors. All registration and resolution failures are
// not-supported conditions: they indicate invalid composition, not runtime
// faults.
var (
	// ErrAlreadyRegistered is returned when Register is called twice; the
	// container is one-shot.
	ErrAlreadyRegistered = errors.New("container: registrations already applied")

	// ErrUnknownContract is returned when resolving a contract with no
	// registration.
	ErrUnknownContract = errors.New("container: unknown contract")

	// ErrAmbiguousRegistration is returned when Resolve finds more than one
	// registration for a contract; use ResolveAll instead.
	ErrAmbiguousRegistration = errors.New("container: ambiguous registration")

	// ErrRecursiveDependency is returned when factories resolve each other
	// in a cycle.
	ErrRecursiveDependency = errors.New("container: recursive dependency")

	// ErrInvalidRegistration is returned for malformed registrations:
	// missing contract, neither or both of factory and instance, or a
	// temporary registration reaching the container (temporaries are
	// consumed during build and never materialized as services).
	ErrInvalidRegistration = errors.New("container: invalid registration")
)

// Mode selects the lifetime of a registered service.
type Mode int32

const (
	// Singleton materializes the service once, on first resolution.
	Singleton Mode = iota
	// Transient materializes a fresh instance per resolution.
	Transient
	// Temporary registrations exist for the build phase only; they are
	// consumed by the builder and never forwarded to a container.
	Temporary
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Singleton:
		return "Singleton"
	case Transient:
		return "Transient"
	case Temporary:
		return "Temporary"
	default:
		return "Unknown"
	}
}

// Factory materializes a service instance. It may resolve further contracts
// through the container; cycles are detected and rejected.
type Factory func(c *Container) (any, error)

// Registration binds a contract to exactly one of a factory or a
// pre-constructed instance.
type Registration struct {
	// Contract is the name services are resolved by.
	Contract string
	// Mode selects the service lifetime.
	Mode Mode
	// Factory materializes the service; mutually exclusive with Instance.
	Factory Factory
	// Instance is a pre-constructed service; mutually exclusive with
	// Factory. Instance registrations behave as singletons.
	Instance any
	// AlwaysRegister appends this registration even when the contract
	// already has one; otherwise the registration is skipped for an
	// already-registered contract.
	AlwaysRegister bool
}

// entry is a materializable registration. While a factory invocation is in
// flight the entry is claimed: owner records the resolving goroutine (for
// cycle detection) and settled is closed when the invocation finishes, so
// concurrent resolvers of the same entry wait instead of racing the factory.
type entry struct {
	mode     Mode
	factory  Factory
	instance any
	resolved bool
	claimed  bool
	owner    uint64
	settled  chan struct{}
}

// Container is a one-shot composition container: a single Register call
// applies all registrations, after which contracts can be resolved
// concurrently.
type Container struct {
	mu         sync.Mutex
	registered bool
	entries    map[string][]*entry
}

// New creates an empty container.
func New() *Container {
	return &Container{
		entries: make(map[string][]*entry),
	}
}

// Register applies the registration sequence. It can be called exactly once;
// a second call fails with [ErrAlreadyRegistered]. Temporary registrations
// fail with [ErrInvalidRegistration]: they must be consumed by the builder,
// never materialized as services.
func (c *Container) Register(regs []Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return ErrAlreadyRegistered
	}
	for i := range regs {
		reg := &regs[i]
		if err := validate(reg); err != nil {
			return err
		}
		if !reg.AlwaysRegister && len(c.entries[reg.Contract]) > 0 {
			continue
		}
		c.entries[reg.Contract] = append(c.entries[reg.Contract], &entry{
			mode:     reg.Mode,
			factory:  reg.Factory,
			instance: reg.Instance,
			resolved: reg.Factory == nil,
		})
	}
	c.registered = true
	return nil
}

func validate(reg *Registration) error {
	if reg.Contract == "" {
		return fmt.Errorf("%w: empty contract", ErrInvalidRegistration)
	}
	if reg.Mode == Temporary {
		return fmt.Errorf("%w: temporary registration %q reached the container", ErrInvalidRegistration, reg.Contract)
	}
	if reg.Mode != Singleton && reg.Mode != Transient {
		return fmt.Errorf("%w: contract %q has unknown mode", ErrInvalidRegistration, reg.Contract)
	}
	if (reg.Factory == nil) == (reg.Instance == nil) {
		return fmt.Errorf("%w: contract %q must carry exactly one of factory and instance", ErrInvalidRegistration, reg.Contract)
	}
	if reg.Mode == Transient && reg.Factory == nil {
		return fmt.Errorf("%w: transient contract %q requires a factory", ErrInvalidRegistration, reg.Contract)
	}
	return nil
}

// Resolve materializes the single service registered for contract. It fails
// with [ErrUnknownContract] when nothing is registered and with
// [ErrAmbiguousRegistration] when more than one registration exists.
func (c *Container) Resolve(contract string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[contract]
	switch len(list) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContract, contract)
	case 1:
		return c.materializeLocked(contract, list[0])
	default:
		return nil, fmt.Errorf("%w: %q has %d registrations", ErrAmbiguousRegistration, contract, len(list))
	}
}

// ResolveAll materializes every service registered for contract, in
// registration order.
func (c *Container) ResolveAll(contract string) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[contract]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContract, contract)
	}
	out := make([]any, 0, len(list))
	for _, e := range list {
		v, err := c.materializeLocked(contract, e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// materializeLocked produces the service for one entry. At most one factory
// invocation per entry is in flight at a time: concurrent resolvers wait for
// the claim holder, so a Singleton materializes exactly once even under
// concurrent first resolution. A goroutine re-entering an entry it already
// claimed (through its own factory) is a cycle and is rejected. Factories
// run with the container lock released so they can resolve their own
// dependencies.
func (c *Container) materializeLocked(contract string, e *entry) (any, error) {
	gid := goroutineID()
	for {
		if e.resolved && e.mode == Singleton {
			return e.instance, nil
		}
		if e.factory == nil {
			return e.instance, nil
		}
		if !e.claimed {
			break
		}
		if e.owner == gid {
			return nil, fmt.Errorf("%w: %q", ErrRecursiveDependency, contract)
		}
		settled := e.settled
		c.mu.Unlock()
		<-settled
		c.mu.Lock()
		// Re-check: the claim holder may have resolved the singleton,
		// failed (leaving the entry unclaimed for a retry), or produced a
		// transient value that this resolver must not reuse.
	}

	e.claimed = true
	e.owner = gid
	e.settled = make(chan struct{})
	settled := e.settled
	c.mu.Unlock()
	v, err := e.factory(c)
	c.mu.Lock()
	e.claimed = false
	e.owner = 0
	e.settled = nil
	close(settled)
	if err != nil {
		return nil, err
	}
	if e.mode == Singleton {
		e.instance = v
		e.resolved = true
	}
	return v, nil
}

// Contracts returns the registered contract names.
func (c *Container) Contracts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	return out
}

// goroutineID returns the current goroutine's ID, parsed from the runtime
// stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

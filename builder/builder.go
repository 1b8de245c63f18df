// Package builder composes a dispatcher process: it collects service
// registrations, guarantees exactly one log sink and exactly one composition
// container are present at build time, and forwards everything non-temporary
// to the container. Configuration is loaded through viper.
package builder

import (
	"errors"
	"fmt"
	"os"
	"sync"

	dispatchqueue "github.com/joeycumines/go-dispatchqueue"
	"github.com/joeycumines/go-dispatchqueue/container"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Well-known contracts the builder manages.
const (
	// ContractLogSink resolves to a *logiface.Logger[logiface.Event].
	ContractLogSink = "dispatchqueue.logsink"
	// ContractContainer resolves to the composition *container.Container.
	ContractContainer = "dispatchqueue.container"
	// ContractDispatcher resolves to the composed *dispatchqueue.Dispatcher.
	ContractDispatcher = "dispatchqueue.dispatcher"
	// ContractBuilder is the builder's temporary self-registration; it is
	// consumed during build and never materialized.
	ContractBuilder = "dispatchqueue.builder"
)

// Standard errors.
var (
	// ErrAlreadyBuilt is returned when Build is called twice.
	ErrAlreadyBuilt = errors.New("builder: already built")

	// ErrMultipleLogSinks is returned when more than one log sink
	// registration is present at build time.
	ErrMultipleLogSinks = errors.New("builder: more than one log sink registered")

	// ErrMultipleContainers is returned when more than one container
	// registration is present at build time.
	ErrMultipleContainers = errors.New("builder: more than one container registered")
)

// Builder accumulates registrations and performs the one-shot composition.
type Builder struct {
	mu        sync.Mutex
	built     bool
	regs      []container.Registration
	logger    *logiface.Logger[logiface.Event]
	target    *container.Container
	config    Config
	hasConfig bool
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{}
}

// Add appends a registration to be forwarded at build time. Temporary
// registrations are consumed by the builder itself and never reach the
// container.
func (b *Builder) Add(reg container.Registration) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs = append(b.regs, reg)
	return b
}

// UseLogger sets the process log sink. At most one sink may be present at
// build time; when none is set, the builder defaults to a stumpy-backed JSON
// logger on stderr.
func (b *Builder) UseLogger(logger *logiface.Logger[logiface.Event]) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logger != nil {
		// Recorded as a duplicate; Build reports the conflict.
		b.regs = append(b.regs, container.Registration{
			Contract: ContractLogSink,
			Mode:     container.Singleton,
			Instance: logger,
		})
		return b
	}
	b.logger = logger
	return b
}

// UseContainer sets the target container. At most one may be present at
// build time; when none is set, the builder creates one.
func (b *Builder) UseContainer(c *container.Container) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target != nil {
		b.regs = append(b.regs, container.Registration{
			Contract: ContractContainer,
			Mode:     container.Singleton,
			Instance: c,
		})
		return b
	}
	b.target = c
	return b
}

// UseConfig sets the dispatcher configuration applied to the composed
// dispatcher. When unset, [DefaultConfig] applies.
func (b *Builder) UseConfig(cfg Config) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = cfg
	b.hasConfig = true
	return b
}

// Build performs the one-shot composition:
//
//  1. verifies exactly one log sink and exactly one container are present,
//     supplying defaults where absent;
//  2. self-registers the builder as a temporary contract, then consumes
//     every temporary registration;
//  3. forwards all non-temporary registrations, plus the log sink and a
//     dispatcher factory, to the container.
//
// The returned container resolves [ContractDispatcher] to a configured,
// not-yet-running dispatcher.
func (b *Builder) Build() (*container.Container, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return nil, ErrAlreadyBuilt
	}

	logger := b.logger
	target := b.target
	regs := make([]container.Registration, 0, len(b.regs)+3)

	// Self-registration: temporary, consumed below with the rest.
	all := append([]container.Registration{{
		Contract: ContractBuilder,
		Mode:     container.Temporary,
		Instance: b,
	}}, b.regs...)

	for _, reg := range all {
		switch {
		case reg.Mode == container.Temporary:
			// Consumed during build; never materialized as a service.
			continue
		case reg.Contract == ContractLogSink:
			if logger != nil {
				return nil, ErrMultipleLogSinks
			}
			var ok bool
			if logger, ok = reg.Instance.(*logiface.Logger[logiface.Event]); !ok {
				return nil, fmt.Errorf("builder: log sink registration carries %T", reg.Instance)
			}
		case reg.Contract == ContractContainer:
			if target != nil {
				return nil, ErrMultipleContainers
			}
			var ok bool
			if target, ok = reg.Instance.(*container.Container); !ok {
				return nil, fmt.Errorf("builder: container registration carries %T", reg.Instance)
			}
		default:
			regs = append(regs, reg)
		}
	}

	if logger == nil {
		logger = defaultLogger()
	}
	if target == nil {
		target = container.New()
	}

	cfg := b.config
	if !b.hasConfig {
		cfg = DefaultConfig()
	}

	regs = append(regs,
		container.Registration{
			Contract: ContractLogSink,
			Mode:     container.Singleton,
			Instance: logger,
		},
		container.Registration{
			Contract: ContractDispatcher,
			Mode:     container.Singleton,
			Factory: func(c *container.Container) (any, error) {
				opts := append(cfg.Options(), dispatchqueue.WithLogger(logger))
				return dispatchqueue.New(opts...)
			},
		},
	)

	if err := target.Register(regs); err != nil {
		return nil, err
	}
	b.built = true
	return target, nil
}

// defaultLogger builds the stumpy-backed JSON sink used when no log sink was
// registered.
func defaultLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	).Logger()
}

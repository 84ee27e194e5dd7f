package neon

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/joeycumines/logiface"
)

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	port           Port
	logger         *logiface.Logger[logiface.Event]
	hooks          Hooks
	levels         int
	buckets        int
	quantum        uint32
	tickHz         uint32
	isrMaxPriority uint8
	debugAPI       bool
	debugInternal  bool
	powerSave      bool
	registry       bool
}

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *optionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithPort sets the platform port. A port is required; New fails
// without one.
func WithPort(port Port) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.port = port
		return nil
	}}
}

// WithPriorityLevels sets the number of thread priority levels, in the
// range [3, 256]. Priorities 0 and levels-1 are reserved for the
// internal idle and timer threads. Defaults to 32.
func WithPriorityLevels(levels int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if levels < 3 || levels > 256 {
			return fmt.Errorf(`neon: priority levels out of range [3, 256]: %d`, levels)
		}
		opts.levels = levels
		return nil
	}}
}

// WithPriorityBuckets sets the number of ready-queue buckets, a power of
// two no larger than the priority level count. Fewer buckets shrink the
// bitmap at the cost of a short sorted scan on insert. Defaults to one
// bucket per priority level.
func WithPriorityBuckets(buckets int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if buckets < 1 || bits.OnesCount(uint(buckets)) != 1 {
			return fmt.Errorf(`neon: priority buckets must be a power of two: %d`, buckets)
		}
		opts.buckets = buckets
		return nil
	}}
}

// WithTimeQuantum sets the round-robin time slice in ticks. Zero
// disables round-robin scheduling. Defaults to 10.
func WithTimeQuantum(ticks uint32) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.quantum = ticks
		return nil
	}}
}

// WithTickFrequency sets the nominal system tick rate in Hz, used by
// TimeToTicks and by ports that drive their own tick source. Defaults
// to 100.
func WithTickFrequency(hz uint32) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if hz == 0 {
			return errors.New(`neon: tick frequency must be positive`)
		}
		opts.tickHz = hz
		return nil
	}}
}

// WithISRMaxPriority sets the highest interrupt priority allowed to call
// kernel services. Interrupts above it are never masked by critical
// sections; the value is advisory to the port.
func WithISRMaxPriority(priority uint8) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.isrMaxPriority = priority
		return nil
	}}
}

// WithLogger sets a structured logger for kernel event tracing. A nil
// logger (the default) disables tracing entirely.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithHooks installs the instrumentation hooks.
func WithHooks(hooks Hooks) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.hooks = hooks
		return nil
	}}
}

// WithAPIChecks enables or disables API contract checking. When
// disabled, the behavior of a contract-violating call is undefined.
// Enabled by default.
func WithAPIChecks(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.debugAPI = enabled
		return nil
	}}
}

// WithInternalChecks enables internal invariant checking after scheduler
// operations. Disabled by default; intended for tests and bring-up.
func WithInternalChecks(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.debugInternal = enabled
		return nil
	}}
}

// WithRegistry enables the thread registry, tracking live threads and
// their names for debugging. Disabled by default.
func WithRegistry(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.registry = enabled
		return nil
	}}
}

// WithPowerSave enables the idle-to-sleep transition: the idle thread
// moves the scheduler into StateSleep while waiting for an interrupt.
// Disabled by default.
func WithPowerSave(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.powerSave = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		levels:   32,
		quantum:  10,
		tickHz:   100,
		debugAPI: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.port == nil {
		return nil, errors.New(`neon: a platform port is required`)
	}
	if cfg.buckets == 0 {
		cfg.buckets = cfg.levels
	}
	if cfg.buckets > cfg.levels {
		return nil, fmt.Errorf(`neon: priority buckets (%d) exceed priority levels (%d)`, cfg.buckets, cfg.levels)
	}
	return cfg, nil
}

package leash

import (
	"io"

	"github.com/agentleash/leash/sandbox"
)

// Option configures a single Run call.
type Option func(*runOptions)

// runOptions holds per-run configuration applied via Option functions.
type runOptions struct {
	policy      string
	mode        sandbox.Mode
	image       string
	cpuLimit    float64
	memoryLimit string
	workDir     string
	network     *bool
	stdout      io.Writer
	stderr      io.Writer
}

// mergeRunOptions applies per-run Option functions over the defaults.
func mergeRunOptions(opts ...Option) *runOptions {
	ro := &runOptions{
		policy: "default",
		mode:   sandbox.ModeNamespace,
	}
	for _, opt := range opts {
		opt(ro)
	}
	return ro
}

// WithPolicy selects the named policy for a single run. The default is
// "default".
func WithPolicy(name string) Option {
	return func(o *runOptions) {
		o.policy = name
	}
}

// WithMode selects the isolation strategy for a single run. The default is
// namespace isolation.
func WithMode(mode sandbox.Mode) Option {
	return func(o *runOptions) {
		o.mode = mode
	}
}

// WithImage overrides the container image for a single run. Only meaningful
// in container mode.
func WithImage(image string) Option {
	return func(o *runOptions) {
		o.image = image
	}
}

// WithCPULimit caps the run at the given number of cores. Only meaningful in
// container mode. 0 means no cap.
func WithCPULimit(cores float64) Option {
	return func(o *runOptions) {
		o.cpuLimit = cores
	}
}

// WithMemoryLimit caps the run's memory, e.g. "512m". Only meaningful in
// container mode. Empty means no cap.
func WithMemoryLimit(limit string) Option {
	return func(o *runOptions) {
		o.memoryLimit = limit
	}
}

// WithWorkDir sets the working directory for a single run. The default is
// the current directory.
func WithWorkDir(dir string) Option {
	return func(o *runOptions) {
		o.workDir = dir
	}
}

// WithNetwork requests or refuses network access for a single run. Without
// this option the policy decides. A request the policy denies is logged and
// the run proceeds without network; this option can only narrow access, the
// policy always has the final word on granting it.
func WithNetwork(enabled bool) Option {
	return func(o *runOptions) {
		o.network = &enabled
	}
}

// WithStdout directs the command's stdout to w instead of discarding it.
func WithStdout(w io.Writer) Option {
	return func(o *runOptions) {
		o.stdout = w
	}
}

// WithStderr directs the command's stderr to w instead of discarding it.
func WithStderr(w io.Writer) Option {
	return func(o *runOptions) {
		o.stderr = w
	}
}

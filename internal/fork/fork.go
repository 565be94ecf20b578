package fork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/branchline/internal/record"
)

// DefaultBufferCapacity is the per-branch queue capacity used when none is set.
const DefaultBufferCapacity = 64

// Options configures a forked stream.
type Options struct {
	// BufferCapacity bounds each branch queue. Must be positive.
	BufferCapacity int

	// AttachTimeout bounds the wait for every enabled branch to attach.
	// Zero waits indefinitely.
	AttachTimeout time.Duration

	// Observer, when set, sees every record and its routing before delivery.
	Observer Observer

	Logger *slog.Logger
}

// DefaultOptions returns options with the default buffer capacity.
func DefaultOptions() Options {
	return Options{BufferCapacity: DefaultBufferCapacity}
}

func (o Options) validate() error {
	if o.BufferCapacity <= 0 {
		return newConfigurationError("buffer capacity must be positive, got %d", o.BufferCapacity)
	}
	if o.AttachTimeout < 0 {
		return newConfigurationError("attach timeout must not be negative, got %s", o.AttachTimeout)
	}
	return nil
}

// Streams is the set of branch streams produced by Open.
type Streams[D any] struct {
	in      record.StreamWithMetadata[D]
	op      Operator[D]
	props   Props
	opts    Options
	logger  *slog.Logger
	enabled []bool

	branches []*BranchStream[D]

	pending  atomic.Int32
	attached chan struct{}

	done chan struct{}
	err  error

	delivered atomic.Int64
}

// Open validates the operator against the input schema and starts forking
// in.Records in a background goroutine bound to ctx.
//
// Open fails with a configuration error, before reading any record, when the
// options are invalid or ForkSchema does not return BranchCount flags.
func Open[D any](ctx context.Context, in record.StreamWithMetadata[D], op Operator[D], props Props, opts Options) (*Streams[D], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if in.Records == nil {
		return nil, newConfigurationError("input stream has no records")
	}
	if err := op.Init(props); err != nil {
		return nil, &Error{Code: ErrCodeConfiguration, Message: "operator init failed", Branch: -1, Err: err}
	}

	n := op.BranchCount(props)
	if n <= 0 {
		return nil, newConfigurationError("operator declared %d branches", n)
	}
	enabled, err := op.ForkSchema(props, in.Schema.Copy())
	if err != nil {
		return nil, &Error{Code: ErrCodeConfiguration, Message: "fork schema failed", Branch: -1, Err: err}
	}
	if len(enabled) != n {
		return nil, newConfigurationError("fork schema returned %d branches, operator declared %d", len(enabled), n)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Streams[D]{
		in:       in,
		op:       op,
		props:    props,
		opts:     opts,
		logger:   logger,
		enabled:  append([]bool(nil), enabled...),
		branches: make([]*BranchStream[D], n),
		attached: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i, on := range enabled {
		if !on {
			continue
		}
		s.branches[i] = &BranchStream[D]{
			index:  i,
			schema: in.Schema.Copy(),
			queue:  newBranchQueue[D](opts.BufferCapacity),
			parent: s,
		}
		s.pending.Add(1)
	}
	if s.pending.Load() == 0 {
		close(s.attached)
	}

	logger.Debug("fork opened",
		"schema", in.Schema.Name,
		"branches", n,
		"enabled", record.Routing(enabled).Targets(),
		"buffer_capacity", opts.BufferCapacity)

	go s.run(ctx)
	return s, nil
}

// BranchCount returns the number of declared branches, enabled or not.
func (s *Streams[D]) BranchCount() int { return len(s.branches) }

// Enabled returns the enabled flags declared by the fork schema.
func (s *Streams[D]) Enabled() []bool { return append([]bool(nil), s.enabled...) }

// Branch returns branch i, or nil when it is disabled or out of range.
func (s *Streams[D]) Branch(i int) *BranchStream[D] {
	if i < 0 || i >= len(s.branches) {
		return nil
	}
	return s.branches[i]
}

// Branches returns one entry per declared branch; disabled branches are nil.
func (s *Streams[D]) Branches() []*BranchStream[D] {
	return append([]*BranchStream[D](nil), s.branches...)
}

// Done is closed once the producer has stopped.
func (s *Streams[D]) Done() <-chan struct{} { return s.done }

// Wait blocks until the producer stops and returns its fatal error, if any.
// A clean end of the input stream returns nil.
func (s *Streams[D]) Wait() error {
	<-s.done
	return s.err
}

// Delivered returns the number of envelopes handed to branch queues so far.
func (s *Streams[D]) Delivered() int64 { return s.delivered.Load() }

func (s *Streams[D]) attach(b *BranchStream[D]) {
	b.attachOnce.Do(func() {
		b.attached.Store(true)
		if s.pending.Add(-1) == 0 {
			close(s.attached)
		}
	})
}

func (s *Streams[D]) unattached() []int {
	var out []int
	for _, b := range s.branches {
		if b != nil && !b.attached.Load() {
			out = append(out, b.index)
		}
	}
	return out
}

func (s *Streams[D]) awaitAttach(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.opts.AttachTimeout > 0 {
		t := time.NewTimer(s.opts.AttachTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-s.attached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		missing := s.unattached()
		branch := -1
		if len(missing) > 0 {
			branch = missing[0]
		}
		return &Error{
			Code:    ErrCodeBranchNotAttached,
			Message: fmt.Sprintf("branches %v not attached after %s", missing, s.opts.AttachTimeout),
			Branch:  branch,
		}
	}
}

func (s *Streams[D]) run(ctx context.Context) {
	err := s.pump(ctx)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.err = err
	for _, b := range s.branches {
		if b != nil {
			b.queue.Close(err)
		}
	}
	if err != nil {
		s.logger.Error("fork stopped", "error", err, "delivered", s.delivered.Load())
	} else {
		s.logger.Debug("fork finished", "delivered", s.delivered.Load())
	}
	close(s.done)
}

func (s *Streams[D]) pump(ctx context.Context) error {
	if err := s.awaitAttach(ctx); err != nil {
		return err
	}
	for {
		env, err := s.in.Records.Next(ctx)
		if err != nil {
			return err
		}
		if env == nil {
			continue
		}
		if err := s.forward(ctx, env); err != nil {
			return err
		}
	}
}

func (s *Streams[D]) forward(ctx context.Context, env *record.Envelope[D]) error {
	routing, err := s.route(env)
	if err != nil {
		return err
	}
	if err := routing.Validate(s.enabled); err != nil {
		return &Error{Code: ErrCodeConfiguration, Message: "invalid routing", Branch: -1,
			Watermark: env.Watermark.String(), Err: err}
	}

	targets := routing.Targets()
	out := make([]*record.Envelope[D], len(targets))
	if routing.MustCopy() {
		for i, t := range targets {
			cp, err := env.Copy()
			if err != nil {
				return &Error{Code: ErrCodeCopyNotSupported, Message: "cannot isolate record across branches",
					Branch: t, Watermark: env.Watermark.String(), Err: err}
			}
			out[i] = cp
		}
	} else if len(targets) == 1 {
		out[0] = env
	}

	if s.opts.Observer != nil {
		if err := s.opts.Observer.Observe(env.Watermark, routing); err != nil {
			return fmt.Errorf("observe %s: %w", env.Watermark, err)
		}
	}

	for i, t := range targets {
		if err := s.branches[t].queue.Push(ctx, out[i]); err != nil {
			return err
		}
		s.delivered.Add(1)
	}
	return nil
}

// route calls the operator, turning a panic into a routing error.
func (s *Streams[D]) route(env *record.Envelope[D]) (routing record.Routing, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: ErrCodeRouting, Message: fmt.Sprintf("operator panicked: %v", r),
				Branch: -1, Watermark: env.Watermark.String()}
		}
	}()
	flags, err := s.op.RouteRecord(s.props, env.Record)
	if err != nil {
		return nil, &Error{Code: ErrCodeRouting, Message: "operator failed to route record",
			Branch: -1, Watermark: env.Watermark.String(), Err: err}
	}
	return record.Routing(flags), nil
}

// BranchStream is the record stream of one enabled branch. It implements
// record.RecordStream and is meant for a single consumer.
type BranchStream[D any] struct {
	index  int
	schema record.Schema
	queue  *branchQueue[D]
	parent *Streams[D]

	attachOnce sync.Once
	attached   atomic.Bool
}

// Index returns the branch index.
func (b *BranchStream[D]) Index() int { return b.index }

// Schema returns this branch's copy of the input schema.
func (b *BranchStream[D]) Schema() record.Schema { return b.schema.Copy() }

// Attach marks the branch as having a consumer. Next attaches implicitly.
func (b *BranchStream[D]) Attach() { b.parent.attach(b) }

// Next returns the next record of this branch. After the fork stops and the
// queue is drained it returns io.EOF, or the error that stopped the fork.
func (b *BranchStream[D]) Next(ctx context.Context) (*record.Envelope[D], error) {
	b.Attach()
	return b.queue.Pop(ctx)
}

// Stream wraps the branch with its schema.
func (b *BranchStream[D]) Stream() record.StreamWithMetadata[D] {
	return record.StreamWithMetadata[D]{Schema: b.Schema(), Records: b}
}

// Package completable implements a single-assignment completion value with
// chained continuations, modelled on java.util.concurrent.CompletableFuture
// but built on a lock-free CAS state machine rather than java.lang.invoke
// VarHandles.
package completable

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger receives the "unhandled exception" diagnostic the default error
// transformer emits. It defaults to a no-op logger; embedders may replace it
// (e.g. Logger = zerolog.New(os.Stderr)) to observe continuation failures.
var Logger = zerolog.Nop()

// Unit stands in for Java's Void: the result type of continuations that
// run only for their side effects.
type Unit struct{}

// Executor dispatches a continuation for asynchronous execution. Execute
// returns an error if the work could not be submitted (e.g. the executor is
// shut down); the error is routed through the continuation's error
// transformer exactly as a panic from the continuation itself would be.
type Executor interface {
	Execute(func()) error
}

// ErrorTransformer rewrites an error flowing out of a continuation before it
// completes the downstream Completable exceptionally. The default
// transformer logs the error and returns it unchanged.
type ErrorTransformer func(error) error

var defaultErrorTransformer ErrorTransformer = func(err error) error {
	Logger.Error().Err(err).Msg("unhandled exception during Completable operation")
	return err
}

func transformerOrDefault(transformers []ErrorTransformer) ErrorTransformer {
	if len(transformers) == 0 || transformers[0] == nil {
		return defaultErrorTransformer
	}
	return transformers[0]
}

func transformError(err error, transformer ErrorTransformer) (result error) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("%w (error transformer panicked: %v)", err, r)
		}
	}()
	return transformer(err)
}

type goroutineExecutor struct{}

func (goroutineExecutor) Execute(fn func()) error {
	go fn()
	return nil
}

// DefaultExecutor returns an Executor that runs every submission on its
// own goroutine. The Async variants of the continuation methods do not
// substitute it for a nil executor; with a nil executor they run the
// continuation synchronously.
func DefaultExecutor() Executor {
	return goroutineExecutor{}
}

type outcome[T any] struct {
	value T
	err   error
}

// Completable is a single-assignment result of type T with chainable
// continuations. The zero value is an incomplete Completable, the same as
// one returned by New; Completed, Failed, Supplied, and SuppliedAsync
// construct one with a result.
type Completable[T any] struct {
	result atomic.Pointer[outcome[T]]
	stack  atomic.Pointer[continuation[T]]
	marker continuation[T]
}

type continuation[T any] struct {
	next     *continuation[T]
	executor Executor
	run      func()
	onReject func(error)
}

func (k *continuation[T]) execute() {
	if k.executor == nil {
		k.run()
		return
	}
	if err := k.executor.Execute(k.run); err != nil && k.onReject != nil {
		k.onReject(err)
	}
}

// New returns an incomplete Completable.
func New[T any]() *Completable[T] {
	return &Completable[T]{}
}

// Completed returns a Completable already completed normally with value.
func Completed[T any](value T) *Completable[T] {
	c := &Completable[T]{}
	c.stack.Store(&c.marker)
	c.result.Store(&outcome[T]{value: value})
	return c
}

// Failed returns a Completable already completed exceptionally with err.
// Failed panics if err is nil.
func Failed[T any](err error) *Completable[T] {
	if err == nil {
		panic("completable: exception may not be nil")
	}
	c := &Completable[T]{}
	c.stack.Store(&c.marker)
	c.result.Store(&outcome[T]{err: err})
	return c
}

// Supplied calls fn and returns a Completable carrying its result. A panic
// from fn is recovered and routed through the error transformer, matching
// the behaviour of a normal returned error.
func Supplied[T any](fn func() (T, error), errorTransformer ...ErrorTransformer) *Completable[T] {
	et := transformerOrDefault(errorTransformer)
	value, err := safeCall0(fn)
	if err != nil {
		return Failed[T](transformError(err, et))
	}
	return Completed(value)
}

// SuppliedAsync submits fn to executor and returns a Completable that
// completes once fn returns. If executor rejects the submission, the
// resulting error is routed through the error transformer.
func SuppliedAsync[T any](fn func() (T, error), executor Executor, errorTransformer ...ErrorTransformer) *Completable[T] {
	et := transformerOrDefault(errorTransformer)
	ret := New[T]()
	run := func() {
		value, err := safeCall0(fn)
		if err != nil {
			ret.CompleteExceptionally(transformError(err, et))
			return
		}
		ret.Complete(value)
	}
	if err := executor.Execute(run); err != nil {
		ret.CompleteExceptionally(transformError(err, et))
	}
	return ret
}

func safeCall0[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in supplier: %v", r)
		}
	}()
	return fn()
}

func (c *Completable[T]) pushStackOrRun(push *continuation[T]) {
	for {
		curr := c.stack.Load()
		if curr == &c.marker {
			push.execute()
			return
		}
		push.next = curr
		if c.stack.CompareAndSwap(curr, push) {
			return
		}
		push.next = nil
	}
}

func (c *Completable[T]) propagateStack() {
	top := c.stack.Swap(&c.marker)
	for top != nil {
		top.execute()
		top = top.next
	}
}

func (c *Completable[T]) completeRaw(o *outcome[T]) bool {
	if !c.result.CompareAndSwap(nil, o) {
		return false
	}
	c.propagateStack()
	return true
}

// Complete completes c normally with value. It returns false if c was
// already complete.
func (c *Completable[T]) Complete(value T) bool {
	return c.completeRaw(&outcome[T]{value: value})
}

// CompleteExceptionally completes c exceptionally with err. It returns
// false if c was already complete. CompleteExceptionally panics if err is
// nil.
func (c *Completable[T]) CompleteExceptionally(err error) bool {
	if err == nil {
		panic("completable: exception may not be nil")
	}
	return c.completeRaw(&outcome[T]{err: err})
}

// IsDone reports whether c has completed, normally or exceptionally.
func (c *Completable[T]) IsDone() bool {
	return c.result.Load() != nil
}

// IsNormallyComplete reports whether c completed without error.
func (c *Completable[T]) IsNormallyComplete() bool {
	res := c.result.Load()
	return res != nil && res.err == nil
}

// IsExceptionallyComplete reports whether c completed with an error.
func (c *Completable[T]) IsExceptionallyComplete() bool {
	res := c.result.Load()
	return res != nil && res.err != nil
}

// GetException returns the error c completed with, or nil if c is not yet
// done. GetException panics if c completed normally.
func (c *Completable[T]) GetException() error {
	res := c.result.Load()
	if res == nil {
		return nil
	}
	if res.err == nil {
		panic("completable: not completed exceptionally")
	}
	return res.err
}

// GetNow returns c's value and error if c is done, or dfl and a nil error
// if c is not yet done.
func (c *Completable[T]) GetNow(dfl T) (T, error) {
	res := c.result.Load()
	if res == nil {
		return dfl, nil
	}
	return res.value, res.err
}

var errChannelClosed = errors.New("completable: channel closed without a result")

// Join blocks uninterruptibly until c completes and returns its result.
func (c *Completable[T]) Join() (T, error) {
	if res := c.result.Load(); res != nil {
		return res.value, res.err
	}

	done := make(chan struct{})
	c.pushStackOrRun(&continuation[T]{run: func() { close(done) }})
	<-done

	res := c.result.Load()
	return res.value, res.err
}

// Wait blocks until c completes or ctx is done, whichever comes first. If
// ctx is done first, Wait returns ctx.Err(); c may still complete later in
// the background, its continuations having already been queued.
func (c *Completable[T]) Wait(ctx context.Context) (T, error) {
	if res := c.result.Load(); res != nil {
		return res.value, res.err
	}

	done := make(chan struct{})
	c.pushStackOrRun(&continuation[T]{run: func() { close(done) }})

	select {
	case <-done:
		res := c.result.Load()
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func settle[U any](to *Completable[U], value U, err error, et ErrorTransformer) {
	if err != nil {
		to.CompleteExceptionally(transformError(err, et))
		return
	}
	to.Complete(value)
}

// ThenApply returns a Completable that completes with fn applied to c's
// value once c completes normally, or with c's error if c completes
// exceptionally.
func ThenApply[T, U any](c *Completable[T], fn func(T) (U, error), errorTransformer ...ErrorTransformer) *Completable[U] {
	return thenApply(c, nil, fn, transformerOrDefault(errorTransformer))
}

// ThenApplyAsync is like ThenApply but runs fn on executor.
func ThenApplyAsync[T, U any](c *Completable[T], fn func(T) (U, error), executor Executor, errorTransformer ...ErrorTransformer) *Completable[U] {
	return thenApply(c, executor, fn, transformerOrDefault(errorTransformer))
}

func thenApply[T, U any](c *Completable[T], executor Executor, fn func(T) (U, error), et ErrorTransformer) *Completable[U] {
	to := New[U]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		if res.err != nil {
			to.CompleteExceptionally(res.err)
			return
		}
		value, err := safeCall1(fn, res.value)
		settle(to, value, err, et)
	}
	c.pushStackOrRun(k)
	return to
}

// ThenAccept returns a Completable[Unit] that runs fn for c's value once c
// completes normally, propagating c's error otherwise.
func ThenAccept[T any](c *Completable[T], fn func(T) error, errorTransformer ...ErrorTransformer) *Completable[Unit] {
	return thenAccept(c, nil, fn, transformerOrDefault(errorTransformer))
}

// ThenAcceptAsync is like ThenAccept but runs fn on executor.
func ThenAcceptAsync[T any](c *Completable[T], fn func(T) error, executor Executor, errorTransformer ...ErrorTransformer) *Completable[Unit] {
	return thenAccept(c, executor, fn, transformerOrDefault(errorTransformer))
}

func thenAccept[T any](c *Completable[T], executor Executor, fn func(T) error, et ErrorTransformer) *Completable[Unit] {
	to := New[Unit]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		if res.err != nil {
			to.CompleteExceptionally(res.err)
			return
		}
		err := safeCallVoid1(fn, res.value)
		settle(to, Unit{}, err, et)
	}
	c.pushStackOrRun(k)
	return to
}

// ThenRun returns a Completable[Unit] that runs fn once c completes
// normally, propagating c's error otherwise.
func ThenRun[T any](c *Completable[T], fn func() error, errorTransformer ...ErrorTransformer) *Completable[Unit] {
	return thenRun(c, nil, fn, transformerOrDefault(errorTransformer))
}

// ThenRunAsync is like ThenRun but runs fn on executor.
func ThenRunAsync[T any](c *Completable[T], fn func() error, executor Executor, errorTransformer ...ErrorTransformer) *Completable[Unit] {
	return thenRun(c, executor, fn, transformerOrDefault(errorTransformer))
}

func thenRun[T any](c *Completable[T], executor Executor, fn func() error, et ErrorTransformer) *Completable[Unit] {
	to := New[Unit]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		if res.err != nil {
			to.CompleteExceptionally(res.err)
			return
		}
		err := safeCallVoid0(fn)
		settle(to, Unit{}, err, et)
	}
	c.pushStackOrRun(k)
	return to
}

// Handle returns a Completable that completes with fn applied to c's value
// and error, however c completed. Unlike ThenApply, fn always runs.
func Handle[T, U any](c *Completable[T], fn func(T, error) (U, error), errorTransformer ...ErrorTransformer) *Completable[U] {
	return handle(c, nil, fn, transformerOrDefault(errorTransformer))
}

// HandleAsync is like Handle but runs fn on executor.
func HandleAsync[T, U any](c *Completable[T], fn func(T, error) (U, error), executor Executor, errorTransformer ...ErrorTransformer) *Completable[U] {
	return handle(c, executor, fn, transformerOrDefault(errorTransformer))
}

func handle[T, U any](c *Completable[T], executor Executor, fn func(T, error) (U, error), et ErrorTransformer) *Completable[U] {
	to := New[U]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		var zero T
		if res.err != nil {
			value, err := safeCall2(fn, zero, res.err)
			settle(to, value, err, et)
			return
		}
		value, err := safeCall2(fn, res.value, nil)
		settle(to, value, err, et)
	}
	c.pushStackOrRun(k)
	return to
}

// WhenComplete returns a Completable[T] carrying the same outcome as c
// after fn has observed it, whether c completed normally or exceptionally.
// A panic or returned error from fn overrides c's own outcome.
func WhenComplete[T any](c *Completable[T], fn func(T, error) error, errorTransformer ...ErrorTransformer) *Completable[T] {
	return whenComplete(c, nil, fn, transformerOrDefault(errorTransformer))
}

// WhenCompleteAsync is like WhenComplete but runs fn on executor.
func WhenCompleteAsync[T any](c *Completable[T], fn func(T, error) error, executor Executor, errorTransformer ...ErrorTransformer) *Completable[T] {
	return whenComplete(c, executor, fn, transformerOrDefault(errorTransformer))
}

func whenComplete[T any](c *Completable[T], executor Executor, fn func(T, error) error, et ErrorTransformer) *Completable[T] {
	to := New[T]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		if res.err != nil {
			if err := safeCallVoid2(fn, *new(T), res.err); err != nil {
				to.CompleteExceptionally(transformError(err, et))
				return
			}
			to.CompleteExceptionally(res.err)
			return
		}
		if err := safeCallVoid2(fn, res.value, nil); err != nil {
			to.CompleteExceptionally(transformError(err, et))
			return
		}
		to.Complete(res.value)
	}
	c.pushStackOrRun(k)
	return to
}

// Exceptionally returns a Completable[T] that recovers from c's error via
// fn, or passes through c's value unchanged if c completed normally.
func Exceptionally[T any](c *Completable[T], fn func(error) (T, error), errorTransformer ...ErrorTransformer) *Completable[T] {
	return exceptionally(c, nil, fn, transformerOrDefault(errorTransformer))
}

// ExceptionallyAsync is like Exceptionally but runs fn on executor.
func ExceptionallyAsync[T any](c *Completable[T], fn func(error) (T, error), executor Executor, errorTransformer ...ErrorTransformer) *Completable[T] {
	return exceptionally(c, executor, fn, transformerOrDefault(errorTransformer))
}

func exceptionally[T any](c *Completable[T], executor Executor, fn func(error) (T, error), et ErrorTransformer) *Completable[T] {
	to := New[T]()
	k := &continuation[T]{
		executor: executor,
		onReject: func(err error) { to.CompleteExceptionally(transformError(err, et)) },
	}
	k.run = func() {
		res := c.result.Load()
		if res.err == nil {
			to.Complete(res.value)
			return
		}
		value, err := safeCall1(fn, res.err)
		settle(to, value, err, et)
	}
	c.pushStackOrRun(k)
	return to
}

func safeCall1[A, R any](fn func(A) (R, error), a A) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in continuation: %v", r)
		}
	}()
	return fn(a)
}

func safeCall2[A, B, R any](fn func(A, B) (R, error), a A, b B) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in continuation: %v", r)
		}
	}()
	return fn(a, b)
}

func safeCallVoid0(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in continuation: %v", r)
		}
	}()
	return fn()
}

func safeCallVoid1[A any](fn func(A) error, a A) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in continuation: %v", r)
		}
	}()
	return fn(a)
}

func safeCallVoid2[A, B any](fn func(A, B) error, a A, b B) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in continuation: %v", r)
		}
	}()
	return fn(a, b)
}

// Result carries a value/error pair across a channel, used by ToChannel and
// FromChannel to interoperate with plain Go channel-based pipelines.
type Result[T any] struct {
	Value T
	Err   error
}

// ToChannel returns a channel that receives exactly one Result once c
// completes, then is closed.
func ToChannel[T any](c *Completable[T]) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	WhenComplete(c, func(v T, err error) error {
		ch <- Result[T]{Value: v, Err: err}
		close(ch)
		return nil
	})
	return ch
}

// FromChannel returns a Completable that completes with the first Result
// received from ch, or with an error if ch is closed before a value
// arrives.
func FromChannel[T any](ch <-chan Result[T]) *Completable[T] {
	to := New[T]()
	go func() {
		r, ok := <-ch
		if !ok {
			to.CompleteExceptionally(errChannelClosed)
			return
		}
		if r.Err != nil {
			to.CompleteExceptionally(r.Err)
			return
		}
		to.Complete(r.Value)
	}()
	return to
}

package framecrypto

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pitabwire/frame/workerpool"
)

// Op selects the transform direction of a pipeline.
type Op int

const (
	Encrypt Op = iota
	Decrypt
)

// A Pipeline serializes the frame transform for one media track: frames
// leave in the order they entered, which the AEAD layer itself does not
// guarantee once work runs on background executors. Two backends exist
// and are wire-compatible — for one key and nonce they produce identical
// bytes, so a sender on one backend interoperates with a receiver on the
// other:
//
//   - worker-hosted: one pool-submitted worker per track drains a queue
//     off the media thread (preferred);
//   - inline: transform on the caller's goroutine (fallback when no pool
//     is available).
type Pipeline struct {
	cipher *Cipher
	kind   MediaKind
	op     Op
	emit   func(frame []byte, meta any)

	jobs   chan frameJob
	cancel context.CancelFunc
	done   chan struct{}

	droppedQueueFull atomic.Uint64
}

// frameJob carries one frame and its caller metadata (an RTP header for
// track transforms) through the worker queue.
type frameJob struct {
	frame []byte
	meta  any
}

const pipelineQueueDepth = 64

// NewPipeline creates a per-track transform pipeline. A nil pool selects
// the inline backend. emit receives each transformed frame in input
// order; dropped frames are simply never emitted.
func NewPipeline(ctx context.Context, cipher *Cipher, kind MediaKind, op Op, emit func(frame []byte, meta any), pool workerpool.WorkerPool) *Pipeline {
	p := &Pipeline{
		cipher: cipher,
		kind:   kind,
		op:     op,
		emit:   emit,
	}
	if pool == nil {
		return p
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobs = make(chan frameJob, pipelineQueueDepth)
	p.done = make(chan struct{})

	worker := func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-p.jobs:
				if !ok {
					return
				}
				p.process(j)
			}
		}
	}
	if err := pool.Submit(ctx, worker); err != nil {
		// Pool saturated at setup time: fall back to the inline backend.
		slog.WarnContext(ctx, "framecrypto: worker pool full, using inline transform")
		cancel()
		p.jobs = nil
		p.done = nil
		p.cancel = nil
	}
	return p
}

// Push feeds one frame into the pipeline. The media thread never blocks:
// when the worker queue is full the frame is dropped.
func (p *Pipeline) Push(frame []byte, meta any) {
	j := frameJob{frame: frame, meta: meta}
	if p.jobs == nil {
		p.process(j)
		return
	}
	select {
	case p.jobs <- j:
	default:
		p.droppedQueueFull.Add(1)
	}
}

func (p *Pipeline) process(j frameJob) {
	var (
		out []byte
		ok  bool
	)
	if p.op == Encrypt {
		out, ok = p.cipher.Encrypt(j.frame, p.kind)
	} else {
		out, ok = p.cipher.Decrypt(j.frame, p.kind)
	}
	if ok {
		p.emit(out, j.meta)
	}
}

// DroppedQueueFull reports frames discarded due to backpressure.
func (p *Pipeline) DroppedQueueFull() uint64 {
	return p.droppedQueueFull.Load()
}

// Close stops the worker, if any. Frames pushed after Close are dropped.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

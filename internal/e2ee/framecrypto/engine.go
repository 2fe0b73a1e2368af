package framecrypto

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/workerpool"

	"github.com/quietwire/quietwire/internal/e2ee/keyexchange"
)

// ErrEngineClosed is returned when attaching a transform after Close.
var ErrEngineClosed = errors.New("framecrypto: engine closed")

// Engine owns the cipher and the active per-track pipelines of one
// channel session. Key material arrives by push from the key-exchange
// session; teardown clears it synchronously and stops every pipeline.
type Engine struct {
	cipher *Cipher
	pool   workerpool.WorkerPool

	mu        sync.Mutex
	pipelines []*Pipeline
	cancels   []context.CancelFunc
	closed    bool

	unsubscribe func()
}

// NewEngine creates an engine with no key. A nil pool makes every
// pipeline use the inline backend.
func NewEngine(pool workerpool.WorkerPool) *Engine {
	return &Engine{cipher: NewCipher(), pool: pool}
}

// Bind subscribes the engine to a session's key pushes. The returned
// engine drops all frames until the first push lands.
func (e *Engine) Bind(sess *keyexchange.Session) {
	e.unsubscribe = sess.OnKeyChanged(func(key []byte, epoch uint64) {
		if key == nil {
			e.cipher.ClearKey()
			return
		}
		_ = e.cipher.SetKey(key, epoch)
	})
}

// Cipher exposes the frame cipher, mainly to tests and stats surfaces.
func (e *Engine) Cipher() *Cipher { return e.cipher }

// Stats returns the cipher's frame counters.
func (e *Engine) Stats() Stats { return e.cipher.Stats() }

// ApplyEncryptTransform reads RTP from a local capture track, encrypts
// each payload and writes the result to the outbound track. It returns
// after starting the per-track reader; the reader stops when ctx is
// cancelled, the engine closes, or the track ends.
func (e *Engine) ApplyEncryptTransform(ctx context.Context, remote *webrtc.TrackRemote, out *webrtc.TrackLocalStaticRTP, kind MediaKind) error {
	return e.applyTransform(ctx, remote, out, kind, Encrypt)
}

// ApplyDecryptTransform is the receive-side dual of ApplyEncryptTransform.
func (e *Engine) ApplyDecryptTransform(ctx context.Context, remote *webrtc.TrackRemote, out *webrtc.TrackLocalStaticRTP, kind MediaKind) error {
	return e.applyTransform(ctx, remote, out, kind, Decrypt)
}

func (e *Engine) applyTransform(parentCtx context.Context, remote *webrtc.TrackRemote, out *webrtc.TrackLocalStaticRTP, kind MediaKind, op Op) error {
	ctx, cancel := context.WithCancel(parentCtx)

	emit := func(payload []byte, meta any) {
		hdr, ok := meta.(rtp.Header)
		if !ok {
			return
		}
		_ = out.WriteRTP(&rtp.Packet{Header: hdr, Payload: payload})
	}
	pipeline := NewPipeline(ctx, e.cipher, kind, op, emit, e.pool)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		pipeline.Close()
		return ErrEngineClosed
	}
	e.pipelines = append(e.pipelines, pipeline)
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	reader := func() {
		defer pipeline.Close()
		buf := make([]byte, 1500)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, _, err := remote.Read(buf)
			if err != nil {
				return
			}
			pkt := &rtp.Packet{}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			// pkt.Payload aliases buf; copy before the next Read.
			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			pipeline.Push(payload, pkt.Header)
		}
	}
	if e.pool != nil {
		if err := e.pool.Submit(ctx, reader); err == nil {
			return nil
		}
	}
	go reader()
	return nil
}

// Close stops every pipeline and clears the key so no stale transform or
// key material survives the session.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := e.cancels
	pipelines := e.pipelines
	e.cancels = nil
	e.pipelines = nil
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, p := range pipelines {
		p.Close()
	}
	e.cipher.ClearKey()
}

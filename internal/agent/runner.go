package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

// handlerFunc runs one turn, sending progress through emit.
type handlerFunc func(ctx context.Context, req Request, emit func(Report)) error

// RunnerOptions sizes the worker pool shared by the local engines.
type RunnerOptions struct {
	Workers   int
	QueueSize int
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	return o
}

// runner executes turns on a fixed pool of workers. Turns for the same
// conversation run one at a time in submission order.
type runner struct {
	name    string
	handle  handlerFunc
	opts    RunnerOptions
	logger  *logger.Logger
	queue   chan Request
	reports chan Report

	mu       sync.Mutex
	inflight int
	active   map[string][]Request
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRunner(name string, opts RunnerOptions, handle handlerFunc, log *logger.Logger) *runner {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &runner{
		name:    name,
		handle:  handle,
		opts:    opts,
		logger:  logger.OrNop(log).Component("engine").With(zap.String("engine", name)),
		queue:   make(chan Request, opts.QueueSize),
		reports: make(chan Report, opts.QueueSize),
		active:  make(map[string][]Request),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.work()
	}
	return r
}

func (r *runner) Name() string { return r.name }

func (r *runner) Reports() <-chan Report { return r.reports }

func (r *runner) Submit(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrEngineStopped
	}
	if r.inflight >= r.opts.QueueSize {
		return ErrEngineBusy
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	r.inflight++
	// Never blocks: the queue holds QueueSize and inflight bounds it.
	r.queue <- req
	return nil
}

func (r *runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.reports)
	return nil
}

func (r *runner) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.queue:
			r.dispatch(req)
		}
	}
}

// dispatch runs req, or parks it behind a turn already running for the same
// conversation. The worker that owns a conversation drains its backlog.
func (r *runner) dispatch(req Request) {
	id := req.ConversationID

	r.mu.Lock()
	if backlog, busy := r.active[id]; busy {
		r.active[id] = append(backlog, req)
		r.mu.Unlock()
		return
	}
	r.active[id] = nil
	r.mu.Unlock()

	for {
		r.runTurn(req)

		r.mu.Lock()
		r.inflight--
		backlog := r.active[id]
		if len(backlog) == 0 || r.ctx.Err() != nil {
			delete(r.active, id)
			r.inflight -= len(backlog)
			r.mu.Unlock()
			return
		}
		req = backlog[0]
		r.active[id] = backlog[1:]
		r.mu.Unlock()
	}
}

func (r *runner) runTurn(req Request) {
	start := time.Now()
	log := r.logger.With(zap.String("conversation_id", req.ConversationID))
	log.Debug("turn started", zap.Duration("queued", start.Sub(req.ReceivedAt)))

	err := r.handle(r.ctx, req, r.emit)

	status := "ok"
	if err != nil {
		status = "error"
		if r.ctx.Err() != nil {
			log.Info("turn cancelled by shutdown")
			metrics.RecordTurn(r.name, "cancelled", time.Since(start).Seconds())
			return
		}
		log.Error("turn failed", zap.Error(err))
		r.emit(Report{
			ConversationID: req.ConversationID,
			Kind:           event.KindMessage,
			Attributes:     metadataAttributes(req.Metadata),
			Time:           time.Now(),
			Err:            err,
		})
	}

	metrics.RecordTurn(r.name, status, time.Since(start).Seconds())
	log.Info("turn completed", zap.String("status", status), zap.Duration("duration", time.Since(start)))
}

func (r *runner) emit(rep Report) {
	if rep.Time.IsZero() {
		rep.Time = time.Now()
	}
	select {
	case r.reports <- rep:
	case <-r.ctx.Done():
	}
}

// metadataAttributes copies request metadata onto a final message, dropping
// keys reserved by the wire encodings.
func metadataAttributes(md map[string]any) event.Attributes {
	attrs := make(event.Attributes, len(md))
	for k, v := range md {
		if k == event.AttrEventType || k == event.AttrTimestamp {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/routing"
)

// Info code published while the model is silent.
const InfoIdle = "idle"

// execute runs the model call for the task's worker mode.
func (p *Pipeline) execute(ctx context.Context, em *events.Emitter, t *Task, stage routing.Stage) (execution, error) {
	structuredJSON := t.Route.Worker == routing.WorkerStructured &&
		p.validator != nil && p.validator.Has(t.TemplateID)

	req, err := t.Request(structuredJSON)
	if err != nil {
		return execution{}, fmt.Errorf("%w: %w", generation.ErrUnsupportedInput, err)
	}

	watch := newIdleWatch(p.cfg.IdleNotice, func() {
		em.Info(ctx, string(stage), InfoIdle, "Still working on it.")
	})
	defer watch.stop()

	start := p.now()
	var res execution
	if t.Route.Worker == routing.WorkerStream {
		res, err = p.stream(ctx, em, stage, req, watch)
		p.metrics.TokensStreamed(t.Route.ModelID, res.chunks)
	} else {
		res, err = p.structured(ctx, req)
	}
	res.latency = p.now().Sub(start)
	p.metrics.ObserveLatency(t.Route.ModelID, string(t.Route.Worker), res.latency)
	if err != nil {
		return res, err
	}

	if structuredJSON {
		if err := p.validator.Validate(t.TemplateID, []byte(res.text)); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Pipeline) structured(ctx context.Context, req generation.Request) (execution, error) {
	resp, err := p.model.Generate(ctx, req)
	if err != nil {
		return execution{}, err
	}
	return execution{
		text:     resp.Text,
		metadata: resp.Metadata,
		usage:    ExtractUsage(resp.Metadata),
	}, nil
}

// stream forwards chunks as token events, or as token_batch events when
// batching is configured, and accumulates the full text.
func (p *Pipeline) stream(
	ctx context.Context,
	em *events.Emitter,
	stage routing.Stage,
	req generation.Request,
	watch *idleWatch,
) (execution, error) {
	var (
		res   execution
		text  strings.Builder
		batch []string
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		em.TokenBatch(ctx, string(stage), strings.Join(batch, ""))
		batch = batch[:0]
	}

	for chunk, err := range p.model.Stream(ctx, req) {
		if err != nil {
			flush()
			return res, err
		}
		watch.touch()
		if len(chunk.Metadata) > 0 {
			res.metadata = chunk.Metadata
		}
		if chunk.Text == "" {
			continue
		}
		text.WriteString(chunk.Text)
		res.chunks++

		if p.cfg.TokenBatchSize <= 1 {
			em.Token(ctx, string(stage), chunk.Text)
			continue
		}
		batch = append(batch, chunk.Text)
		if len(batch) >= p.cfg.TokenBatchSize {
			flush()
		}
	}
	flush()

	res.text = text.String()
	if res.text == "" {
		return res, fmt.Errorf("%w: empty stream", generation.ErrInvalidResponse)
	}
	res.usage = ExtractUsage(res.metadata)
	if !res.usage.Found {
		res.usage.Output = int64(res.chunks)
	}
	return res, nil
}

// idleWatch calls notify each time interval passes without a touch.
type idleWatch struct {
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	interval time.Duration
	notify   func()
}

func newIdleWatch(interval time.Duration, notify func()) *idleWatch {
	w := &idleWatch{interval: interval, notify: notify}
	if interval <= 0 {
		return w
	}
	w.mu.Lock()
	w.timer = time.AfterFunc(interval, w.fire)
	w.mu.Unlock()
	return w
}

func (w *idleWatch) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer.Reset(w.interval)
	w.mu.Unlock()
	w.notify()
}

func (w *idleWatch) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && !w.stopped {
		w.timer.Reset(w.interval)
	}
}

func (w *idleWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

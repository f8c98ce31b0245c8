// Package worker runs clip render jobs off the Redis queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clippie/backend/pkg/queue"
)

// JobQueue is the part of the queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) error
	DeadLetter(ctx context.Context, job *queue.Job, reason string) error
}

// PanicReason is recorded on clips whose job crashed the pipeline.
const PanicReason = "internal error while processing clip"

var errJobPanicked = errors.New("clip job panicked")

// Pipeline runs one clip job to a terminal status.
type Pipeline interface {
	Process(ctx context.Context, job queue.ClipRenderPayload) error
	Abort(ctx context.Context, job queue.ClipRenderPayload, reason string) error
}

// ClipProcessor pulls clip jobs and runs them through the pipeline.
type ClipProcessor struct {
	queue       JobQueue
	pipeline    Pipeline
	concurrency int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewClipProcessor creates a processor running concurrency jobs at a time.
func NewClipProcessor(q JobQueue, pipeline Pipeline, concurrency int, logger *zap.Logger) *ClipProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &ClipProcessor{
		queue:       q,
		pipeline:    pipeline,
		concurrency: concurrency,
		backoff:     queue.RetryBackoff,
		logger:      logger,
	}
}

// Run starts the worker loops and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *ClipProcessor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	p.logger.Info("clip worker started", zap.Int("concurrency", p.concurrency))
	err := g.Wait()
	p.logger.Info("clip worker stopped")
	return err
}

func (p *ClipProcessor) loop(ctx context.Context, slot int) {
	log := p.logger.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, log, job)
	}
}

// handle runs one job. The job itself runs detached from ctx so a shutdown
// lets it reach a terminal status.
func (p *ClipProcessor) handle(ctx context.Context, log *zap.Logger, job *queue.Job) {
	jobCtx := context.WithoutCancel(ctx)
	log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	payload, err := queue.DecodeClipRender(job)
	if err != nil {
		log.Error("undecodable job", zap.Error(err))
		p.deadLetter(jobCtx, log, job, err.Error())
		return
	}
	log = log.With(zap.String("clip_id", payload.ClipID.String()))
	log.Debug("processing clip job")

	if err := p.process(jobCtx, log, payload); err != nil {
		if errors.Is(err, errJobPanicked) {
			if aErr := p.pipeline.Abort(jobCtx, payload, PanicReason); aErr != nil {
				log.Error("mark panicked clip failed", zap.Error(aErr))
			}
			p.deadLetter(jobCtx, log, job, err.Error())
			return
		}
		log.Error("clip job failed", zap.Error(err))
		if rErr := p.queue.Retry(jobCtx, job); rErr != nil {
			log.Error("retry enqueue failed", zap.Error(rErr))
			p.deadLetter(jobCtx, log, job, err.Error())
		}
		p.sleep(ctx)
		return
	}
	if err := p.queue.Ack(jobCtx, job); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

// process turns a panic in the pipeline into errJobPanicked so one bad job
// cannot take the worker down.
func (p *ClipProcessor) process(ctx context.Context, log *zap.Logger, payload queue.ClipRenderPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("clip job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errJobPanicked, r)
		}
	}()
	return p.pipeline.Process(ctx, payload)
}

func (p *ClipProcessor) deadLetter(ctx context.Context, log *zap.Logger, job *queue.Job, reason string) {
	if err := p.queue.Ack(ctx, job); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
	if err := p.queue.DeadLetter(ctx, job, reason); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
	}
}

func (p *ClipProcessor) sleep(ctx context.Context) {
	if p.backoff <= 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Package worker consumes the export queue and drives jobs through the
// export state machine. Business failures land in job state; only transient
// infrastructure faults are surfaced to the queue for retry.
package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/exportflow/exportflow/internal/config"
	"github.com/exportflow/exportflow/internal/queue"
)

type jobRunner interface {
	Run(ctx context.Context, jobID string) (string, error)
	RunMerge(ctx context.Context, parentID string, finalAttempt bool) (string, error)
}

type Server struct {
	logger  *log.Logger
	server  *asynq.Server
	sem     chan struct{}
	runner  jobRunner
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, runner jobRunner) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("job runner is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:     make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runner:  runner,
		metrics: newMetrics(),
		tracer:  otel.Tracer("exportflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunExport, s.handleRunExport)
	mux.HandleFunc(queue.TypeMergeExport, s.handleMergeExport)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunExport(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunExportPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.run_export", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.JobID))
	defer span.End()

	startedAt := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.jobDuration.WithLabelValues("run", outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues("run", outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	status, err := s.runner.Run(ctx, payload.JobID)
	if err != nil {
		// Claim-level faults (store unreachable) are the only errors that
		// bubble up; the queue retries them.
		span.RecordError(err)
		span.SetStatus(codes.Error, "run export failed")
		return err
	}

	if status != "" {
		outcome = status
	} else {
		outcome = "unknown_job"
	}
	span.SetStatus(codes.Ok, outcome)
	return nil
}

func (s *Server) handleMergeExport(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseMergeExportPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.merge_export", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.ParentID))
	defer span.End()

	startedAt := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.jobDuration.WithLabelValues("merge", outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues("merge", outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	retried, retriedOK := asynq.GetRetryCount(ctx)
	maxRetry, maxOK := asynq.GetMaxRetry(ctx)
	finalAttempt := retriedOK && maxOK && retried >= maxRetry
	status, err := s.runner.RunMerge(ctx, payload.ParentID, finalAttempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge export failed")
		return err
	}

	if status != "" {
		outcome = status
	} else {
		outcome = "unknown_job"
	}
	span.SetStatus(codes.Ok, outcome)
	return nil
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/archive"
	"github.com/tutorlink/backend/internal/sessions"
	"github.com/tutorlink/backend/pkg/queue"
	"github.com/tutorlink/backend/pkg/storage"
)

// TranscriptProcessor processes transcript export jobs: read the archived
// event log of an ended class, render it to JSON and upload to S3, then record
// the object key on the class row.
type TranscriptProcessor struct {
	archive  *archive.Repository
	sessions *sessions.Repository
	s3       *storage.S3
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewTranscriptProcessor creates a transcript export processor.
func NewTranscriptProcessor(ar *archive.Repository, sr *sessions.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *TranscriptProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptProcessor{archive: ar, sessions: sr, s3: s3, queue: q, logger: logger}
}

// Process executes one transcript export job.
func (p *TranscriptProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTranscriptExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TranscriptExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	class, err := p.sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load class: %w", err)
	}
	if class == nil {
		return fmt.Errorf("class not found: %s", payload.SessionID)
	}
	if class.TranscriptKey != nil && *class.TranscriptKey != "" {
		p.logger.Info("transcript already exported",
			zap.String("session_id", payload.SessionID),
			zap.String("key", *class.TranscriptKey))
		return nil
	}

	events, err := p.archive.ListBySession(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	key := storage.TranscriptKey(payload.SessionID)
	if _, err := p.s3.Upload(ctx, key, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.sessions.UpdateTranscriptKey(ctx, payload.SessionID, key); err != nil {
		p.logger.Error("update transcript key failed",
			zap.Error(err), zap.String("session_id", payload.SessionID))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("transcript export completed",
		zap.String("session_id", payload.SessionID),
		zap.String("s3_key", key),
		zap.Int("events", len(events)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *TranscriptProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("transcript worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}

package work

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sharenet-dev/sharenet/internal/bitcoin"
	"github.com/sharenet-dev/sharenet/internal/metrics"
)

// Publisher accepts finished tasks and signals when it can deliver
// them. Tasks arriving before readiness are dropped; the post-ready
// refresh replaces them.
type Publisher interface {
	Publish(ctx context.Context, task *Task) error
	Ready() <-chan struct{}
}

// TemplateSource emits block templates and accepts refresh requests.
// The daemon watcher satisfies it.
type TemplateSource interface {
	Templates() <-chan *bitcoin.BlockTemplate
	RefreshMiningInfo()
}

// TaskServer converts templates into tasks and hands them to the
// publisher. Templates with the same identity as the last published
// task are debounced.
type TaskServer struct {
	logger       *zap.Logger
	source       TemplateSource
	publisher    Publisher
	payoutScript []byte

	taskCounter  uint64
	lastIdentity string
	published    bool
}

// NewTaskServer creates a task server paying out to payoutScript.
func NewTaskServer(source TemplateSource, publisher Publisher, payoutScript []byte, logger *zap.Logger) *TaskServer {
	return &TaskServer{
		logger:       logger,
		source:       source,
		publisher:    publisher,
		payoutScript: payoutScript,
	}
}

// Run processes templates until the context is cancelled. The first
// publisher-ready signal triggers a template refresh so the first
// broadcast is deliverable.
func (ts *TaskServer) Run(ctx context.Context) {
	ready := ts.publisher.Ready()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ts.logger.Info("Publisher ready, refreshing mining info")
			ts.source.RefreshMiningInfo()
			ready = nil
		case tmpl := <-ts.source.Templates():
			if err := ts.onTemplateUpdated(ctx, tmpl); err != nil {
				ts.logger.Warn("Failed to publish task", zap.Error(err))
			}
		}
	}
}

// onTemplateUpdated builds and publishes a task for a fresh template.
func (ts *TaskServer) onTemplateUpdated(ctx context.Context, tmpl *bitcoin.BlockTemplate) error {
	identity := templateIdentity(tmpl)
	if ts.published && identity == ts.lastIdentity {
		ts.logger.Debug("Skipping duplicate template", zap.String("identity", identity))
		return nil
	}

	auxRoot, err := AuxMerkleRoot(tmpl.Auxes)
	if err != nil {
		return fmt.Errorf("aux merkle root: %w", err)
	}

	ts.taskCounter++
	taskID := fmt.Sprintf("%x", ts.taskCounter)
	task, err := BuildTask(taskID, tmpl, auxRoot, len(tmpl.Auxes), ts.payoutScript)
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}

	if err := ts.publisher.Publish(ctx, task); err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	ts.lastIdentity = identity
	ts.published = true
	metrics.TasksPublished.Inc()

	ts.logger.Info("Published task",
		zap.String("task_id", taskID),
		zap.Uint32("height", tmpl.Height),
		zap.Int("txs", len(tmpl.Transactions)))
	return nil
}

// templateIdentity keys a template for debouncing. The long-poll ID
// changes on every meaningful daemon-side update; older daemons without
// one fall back to the header-level fields.
func templateIdentity(tmpl *bitcoin.BlockTemplate) string {
	if tmpl.LongPollID != "" {
		return tmpl.LongPollID
	}
	return fmt.Sprintf("%s/%d/%d/%d", tmpl.PreviousBlockHash, tmpl.Height, tmpl.CurTime, len(tmpl.Transactions))
}

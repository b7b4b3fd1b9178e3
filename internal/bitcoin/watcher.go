package bitcoin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sharenet-dev/sharenet/internal/metrics"
)

// Watcher polls the daemon for block templates and emits every template
// whose long-poll identity differs from the last one seen. A refresh
// can be forced at any time, which is how block-notify and publisher
// readiness short-circuit the poll interval.
type Watcher struct {
	client   *Client
	logger   *zap.Logger
	interval time.Duration

	templates chan *BlockTemplate
	refresh   chan struct{}

	lastLongPollID string
}

// NewWatcher creates a watcher that polls at the given interval.
func NewWatcher(client *Client, interval time.Duration, logger *zap.Logger) *Watcher {
	return &Watcher{
		client:    client,
		logger:    logger,
		interval:  interval,
		templates: make(chan *BlockTemplate, 4),
		refresh:   make(chan struct{}, 1),
	}
}

// Templates returns the channel of freshly fetched block templates.
func (w *Watcher) Templates() <-chan *BlockTemplate {
	return w.templates
}

// RefreshMiningInfo requests an immediate template fetch. Coalesces
// with an already pending request.
func (w *Watcher) RefreshMiningInfo() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.refresh:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	metrics.TemplateRefreshes.Inc()

	tmpl, err := w.client.GetBlockTemplate(ctx)
	if err != nil {
		w.logger.Warn("Failed to fetch block template", zap.Error(err))
		return
	}
	if tmpl.LongPollID != "" && tmpl.LongPollID == w.lastLongPollID {
		return
	}
	w.lastLongPollID = tmpl.LongPollID

	w.logger.Info("New block template",
		zap.Uint32("height", tmpl.Height),
		zap.String("previous_block", tmpl.PreviousBlockHash),
		zap.Int("txs", len(tmpl.Transactions)))

	select {
	case w.templates <- tmpl:
	case <-ctx.Done():
	}
}

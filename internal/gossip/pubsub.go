package gossip

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"
)

// ShareTopic is the GossipSub topic carrying share records.
const ShareTopic = "sharenet/shares/1.0.0"

// ShareEnvelope wraps a serialized share with its wire version, which
// travels outside the share body.
type ShareEnvelope struct {
	Version uint64 `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// ShareRelay distributes share records over GossipSub.
type ShareRelay struct {
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	self     host.Host
	logger   *zap.Logger
	incoming chan *ShareEnvelope
}

// NewShareRelay joins the share topic and starts consuming it.
func NewShareRelay(ctx context.Context, h host.Host, logger *zap.Logger) (*ShareRelay, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(ShareTopic)
	if err != nil {
		return nil, fmt.Errorf("join share topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe share topic: %w", err)
	}

	r := &ShareRelay{
		topic:    topic,
		sub:      sub,
		self:     h,
		logger:   logger,
		incoming: make(chan *ShareEnvelope, 256),
	}
	go r.readLoop(ctx)
	return r, nil
}

// Incoming returns the channel of share envelopes received from peers.
func (r *ShareRelay) Incoming() <-chan *ShareEnvelope {
	return r.incoming
}

// Publish broadcasts a serialized share.
func (r *ShareRelay) Publish(ctx context.Context, version uint64, payload []byte) error {
	data, err := cbor.Marshal(&ShareEnvelope{Version: version, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal share envelope: %w", err)
	}
	return r.topic.Publish(ctx, data)
}

func (r *ShareRelay) readLoop(ctx context.Context) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.self.ID() {
			continue
		}

		env := &ShareEnvelope{}
		if err := cbor.Unmarshal(msg.Data, env); err != nil {
			r.logger.Debug("Discarding malformed share envelope", zap.Error(err))
			continue
		}

		select {
		case r.incoming <- env:
		default:
			r.logger.Warn("Share channel full, dropping share")
		}
	}
}

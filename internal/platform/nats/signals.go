package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// SignalPublisher publishes reorg signals to JetStream. The message id makes a
// signal republished after a restart a duplicate within the stream's window.
type SignalPublisher struct {
	js     publisher
	logger *slog.Logger
}

func NewSignalPublisher(js jetstream.JetStream, logger *slog.Logger) *SignalPublisher {
	return newSignalPublisher(js, logger)
}

func newSignalPublisher(js publisher, logger *slog.Logger) *SignalPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalPublisher{js: js, logger: logger.With("component", "reorg-signals")}
}

func (p *SignalPublisher) PublishReorg(ctx context.Context, signal *protov1.ReorgSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal reorg signal: %w", err)
	}

	ack, err := p.js.Publish(ctx, SubjectForReorg(signal.Chain), data, jetstream.WithMsgID(signalID(signal)))
	if err != nil {
		return fmt.Errorf("publish reorg signal: %w", err)
	}

	p.logger.Info("reorg signal published",
		"chain", signal.Chain,
		"fork_point", signal.ForkPoint,
		"depth", signal.Depth,
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func signalID(s *protov1.ReorgSignal) string {
	return s.Chain + ":" + strconv.FormatInt(s.ForkPoint, 10) + ":" + s.NewHash
}

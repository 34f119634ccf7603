package emitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func init() {
	Register("nats", func(cfg Config) (Emitter, error) {
		if cfg.NatsURL == "" {
			return nil, fmt.Errorf("%w: nats emitter requires nats_url", cdc.ErrConfig)
		}
		return NewNats(NatsConfig{
			URL:         cfg.NatsURL,
			JetStream:   cfg.JetStream,
			Subject:     cfg.Topic,
			TopicPrefix: cfg.TopicPrefix,
			Codec:       cfg.Codec,
		})
	})
}

// NatsConfig configures the NATS emitter.
type NatsConfig struct {
	URL         string
	JetStream   bool
	Subject     string
	TopicPrefix string
	Codec       Codec

	// StreamMaxAge is the retention of streams created for JetStream.
	StreamMaxAge time.Duration
}

// Nats publishes records as NATS messages with metadata headers. With
// JetStream enabled each subject is backed by a stream.
type Nats struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NatsConfig

	streams map[string]bool
}

// NewNats connects to the NATS server.
func NewNats(cfg NatsConfig) (*Nats, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if cfg.StreamMaxAge == 0 {
		cfg.StreamMaxAge = 24 * time.Hour
	}

	n := &Nats{nc: nc, config: cfg, streams: make(map[string]bool)}
	if cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		n.js = js
	}
	return n, nil
}

// Emit publishes rec.
func (n *Nats) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	msg, err := natsMessage(rec, n.config)
	if err != nil {
		return Permanent(err)
	}

	if n.js == nil {
		if err := n.nc.PublishMsg(msg); err != nil {
			return classifyNats(fmt.Errorf("publish to %s: %w", msg.Subject, err))
		}
		return nil
	}

	if err := n.ensureStream(ctx, msg.Subject); err != nil {
		return classifyNats(err)
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return classifyNats(fmt.Errorf("publish to %s: %w", msg.Subject, err))
	}
	return nil
}

// Emit is called from a single goroutine, so streams needs no lock.
func (n *Nats) ensureStream(ctx context.Context, subject string) error {
	if n.streams[subject] {
		return nil
	}
	name := streamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.config.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	n.streams[subject] = true
	return nil
}

// Close drains the connection.
func (n *Nats) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}

func natsMessage(rec cdc.OutputRecord, cfg NatsConfig) (*nats.Msg, error) {
	data, err := Encode(rec, cfg.Codec)
	if err != nil {
		return nil, err
	}
	header := nats.Header{}
	for _, p := range rec.Metadata {
		header.Set(p.Key, p.Value)
	}
	return &nats.Msg{
		Subject: TopicFor(rec, cfg.Subject, cfg.TopicPrefix),
		Data:    data,
		Header:  header,
	}, nil
}

// streamName maps a subject to a valid JetStream stream name.
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	DefaultStream        = "DELTA_CHANGES"
	DefaultSubjectPrefix = "sync"
	// duplicateWindow covers redelivery of a batch whose cursor was not
	// persisted before a restart.
	duplicateWindow = 2 * time.Hour
)

type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// JetStreamSink publishes each change to JetStream on
// <prefix>.<account>.<resource>.<kind> with a message ID, so changes
// redelivered within the duplicate window are dropped by the server.
// Changes without an ID carry no message ID and are always stored.
type JetStreamSink struct {
	nc     *nats.Conn
	js     publisher
	stream string
	prefix string
}

// NewJetStreamSink connects to NATS and returns a sink for stream.
func NewJetStreamSink(url, stream string) (*JetStreamSink, error) {
	nc, err := nats.Connect(url, nats.Name("deltabridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return newJetStreamSink(nc, js, stream), nil
}

func newJetStreamSink(nc *nats.Conn, js publisher, stream string) *JetStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &JetStreamSink{nc: nc, js: js, stream: stream, prefix: DefaultSubjectPrefix}
}

// EnsureStream creates the change stream if it does not exist.
func (s *JetStreamSink) EnsureStream(ctx context.Context) error {
	info, err := s.js.StreamInfo(s.stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:       s.stream,
		Subjects:   []string{s.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: duplicateWindow,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Push implements deltasync.Sink. Publishing stops at the first failure;
// the cycle's cursor is then not persisted and the batch is redelivered.
func (s *JetStreamSink) Push(ctx context.Context, changes []provider.NormalizedChange) error {
	for _, ch := range changes {
		payload, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("failed to marshal change %s: %w", ch.ID, err)
		}
		msg := nats.NewMsg(s.Subject(ch))
		msg.Data = payload
		if id := MessageID(ch); id != "" {
			msg.Header.Set(nats.MsgIdHdr, id)
		}
		if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish change %s: %w", ch.ID, err)
		}
	}
	return nil
}

// Subject returns the subject a change is published on.
func (s *JetStreamSink) Subject(ch provider.NormalizedChange) string {
	return strings.Join([]string{
		s.prefix,
		subjectToken(ch.AccountID),
		subjectToken(string(ch.ResourceType)),
		string(ch.Kind),
	}, ".")
}

// MessageID identifies one version of a change for server-side dedup. It is
// empty for changes without an ID, which have no identity to dedup on.
func MessageID(ch provider.NormalizedChange) string {
	if ch.ID == "" {
		return ""
	}
	version := "-"
	if !ch.ModifiedAt.IsZero() {
		version = strconv.FormatInt(ch.ModifiedAt.UnixNano(), 10)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", ch.AccountID, ch.ResourceType, ch.ID, ch.Kind, version)
}

// Close closes the NATS connection.
func (s *JetStreamSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// subjectToken replaces characters that are not valid in a subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

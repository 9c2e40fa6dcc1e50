package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/task"
)

// Config for the JetStream-backed queue.
type Config struct {
	NATSURL        string
	StreamName     string
	ConsumerPrefix string
	// DedupWindow is how long the broker remembers msg IDs. Duplicate
	// enqueues (double submit, duplicate scheduler fire) inside the window
	// collapse to one message.
	DedupWindow time.Duration
}

// JetStream implements Queue on top of a NATS JetStream stream with one
// subject per task kind and a durable pull consumer per kind.
type JetStream struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

var _ Queue = (*JetStream)(nil)

func NewJetStream(ctx context.Context, cfg Config) (*JetStream, error) {
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = "orderflow"
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	q := &JetStream{nc: nc, js: js, cfg: cfg}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

func (q *JetStream) ensureStream(ctx context.Context) error {
	// One wildcard subject covers every kind plus the dead-letter channel,
	// so registering a new kind never needs a stream update.
	desired := []string{SubjectPrefix + ">"}

	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil && info != nil {
		existing := info.Config.Subjects
		merged, changed := mergeSubjects(existing, desired)
		if !changed && info.Config.Duplicates == q.cfg.DedupWindow {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = q.cfg.StreamName
		sc.Duplicates = q.cfg.DedupWindow

		if _, err := q.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:       q.cfg.StreamName,
		Subjects:   desired,
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: q.cfg.DedupWindow,
		MaxAge:     7 * 24 * time.Hour,
	}
	if _, err := q.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

func (q *JetStream) Enqueue(ctx context.Context, kind string, body []byte, msgID string) error {
	msg := nats.NewMsg(SubjectFor(kind))
	msg.Data = body
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: msg.Header})

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := q.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("%w: publish %s: %w", task.ErrBrokerUnavailable, kind, err)
	}
	return nil
}

func (q *JetStream) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	// Dedup on the task id: a task lands in the dead-letter channel once.
	return q.Enqueue(ctx, KindDead, b, "dead:"+dl.TaskID)
}

func (q *JetStream) Consume(kind string, opts ConsumeOptions) (Consumer, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(q.cfg.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(opts.VisibilityTimeout),
	}
	if opts.MaxDeliver > 0 {
		subOpts = append(subOpts, nats.MaxDeliver(opts.MaxDeliver))
	}

	sub, err := q.js.PullSubscribe(SubjectFor(kind), q.cfg.ConsumerPrefix+"-"+kind, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %w", task.ErrBrokerUnavailable, kind, err)
	}
	return &jsConsumer{sub: sub, kind: kind}, nil
}

func (q *JetStream) Stats(ctx context.Context) (Stats, error) {
	info, err := q.js.StreamInfo(q.cfg.StreamName, &nats.StreamInfoRequest{
		SubjectsFilter: SubjectPrefix + ">",
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stream info: %w", task.ErrBrokerUnavailable, err)
	}

	st := Stats{Depths: map[string]uint64{}}
	for subject, n := range info.State.Subjects {
		kind := subject[len(SubjectPrefix):]
		if kind == KindDead {
			st.DeadLetters = n
			continue
		}
		st.Depths[kind] = n
	}
	return st, nil
}

type jsConsumer struct {
	sub  *nats.Subscription
	kind string
}

func (c *jsConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Delivery, error) {
	msgs, err := c.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: fetch %s: %w", task.ErrBrokerUnavailable, c.kind, err)
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &jsDelivery{msg: m, kind: c.kind})
	}
	return out, nil
}

type jsDelivery struct {
	msg  *nats.Msg
	kind string
}

func (d *jsDelivery) Kind() string { return d.kind }
func (d *jsDelivery) Body() []byte { return d.msg.Data }

func (d *jsDelivery) Attempt() int {
	if md, err := d.msg.Metadata(); err == nil && md != nil && md.NumDelivered > 0 {
		return int(md.NumDelivered)
	}
	return 1
}

func (d *jsDelivery) Headers() map[string][]string {
	return d.msg.Header
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Nack(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Extend() error { return d.msg.InProgress() }

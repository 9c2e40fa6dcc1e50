package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dedezza1D/orderflow/internal/observability"
)

// Memory is an in-process Queue used by tests and single-process development.
// It implements the same at-least-once contract as the JetStream queue:
// per-kind FIFO, visibility-timeout redelivery, nack delays, msg-id dedup
// and a max-deliver backstop.
type Memory struct {
	mu     sync.Mutex
	items  map[string][]*memItem // kind -> FIFO
	seen   map[string]struct{}   // msg-id dedup, no window expiry
	dead   []DeadLetter
	closed bool
}

type memItem struct {
	kind       string
	body       []byte
	headers    map[string][]string
	deliveries int
	inflight   bool
	notBefore  time.Time // earliest next delivery
	deadline   time.Time // visibility deadline while inflight
	acked      bool
}

func NewMemory() *Memory {
	return &Memory{
		items: map[string][]*memItem{},
		seen:  map[string]struct{}{},
	}
}

var _ Queue = (*Memory)(nil)

func (q *Memory) Enqueue(ctx context.Context, kind string, body []byte, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msgID != "" {
		if _, dup := q.seen[msgID]; dup {
			return nil
		}
		q.seen[msgID] = struct{}{}
	}
	// same trace propagation as the broker path
	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: hdr})
	q.items[kind] = append(q.items[kind], &memItem{kind: kind, body: body, headers: hdr})
	return nil
}

func (q *Memory) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.dead {
		if d.TaskID == dl.TaskID {
			return nil // dedup, same as the broker's msg-id window
		}
	}
	q.dead = append(q.dead, dl)
	return nil
}

// DeadLetters returns a copy of the dead-letter channel (test inspection).
func (q *Memory) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *Memory) Consume(kind string, opts ConsumeOptions) (Consumer, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &memConsumer{q: q, kind: kind, opts: opts}, nil
}

func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{Depths: map[string]uint64{}, DeadLetters: uint64(len(q.dead))}
	for kind, list := range q.items {
		var n uint64
		for _, it := range list {
			if !it.acked {
				n++
			}
		}
		st.Depths[kind] = n
	}
	return st, nil
}

func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

type memConsumer struct {
	q    *Memory
	kind string
	opts ConsumeOptions
}

func (c *memConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if out := c.tryFetch(batch); len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *memConsumer) tryFetch(batch int) []Delivery {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	now := time.Now()
	var out []Delivery
	for _, it := range c.q.items[c.kind] {
		if len(out) >= batch {
			break
		}
		if it.acked {
			continue
		}
		if it.inflight {
			// expired claim becomes visible again
			if now.Before(it.deadline) {
				continue
			}
			it.inflight = false
		}
		if now.Before(it.notBefore) {
			continue
		}
		if c.opts.MaxDeliver > 0 && it.deliveries >= c.opts.MaxDeliver {
			continue // broker backstop: silently stops redelivering
		}
		it.inflight = true
		it.deliveries++
		it.deadline = now.Add(c.opts.VisibilityTimeout)
		out = append(out, &memDelivery{q: c.q, item: it, vt: c.opts.VisibilityTimeout})
	}
	return out
}

type memDelivery struct {
	q    *Memory
	item *memItem
	vt   time.Duration
}

func (d *memDelivery) Kind() string { return d.item.kind }
func (d *memDelivery) Body() []byte { return d.item.body }
func (d *memDelivery) Attempt() int { return d.item.deliveries }

func (d *memDelivery) Headers() map[string][]string { return d.item.headers }

func (d *memDelivery) Ack() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.item.acked = true
	d.item.inflight = false
	return nil
}

func (d *memDelivery) Nack(delay time.Duration) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.item.inflight = false
	d.item.notBefore = time.Now().Add(delay)
	return nil
}

func (d *memDelivery) Extend() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if d.item.inflight {
		d.item.deadline = time.Now().Add(d.vt)
	}
	return nil
}

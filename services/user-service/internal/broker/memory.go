package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrInjected = errors.New("injected publish failure")

// Memory is an in-process broker with one queue. It backs tests and local
// runs without a broker. Nacked messages with requeue go to the back of the
// queue flagged as redelivered.
type Memory struct {
	binding string

	mu        sync.Mutex
	queue     []queued
	published []Message
	attempts  int
	failNext  int
	notify    chan struct{}
}

type queued struct {
	msg         Message
	redelivered bool
}

func NewMemory(binding string) *Memory {
	if binding == "" {
		binding = DefaultBinding
	}
	return &Memory{binding: binding, notify: make(chan struct{}, 1)}
}

// FailNext makes the next n publish attempts fail.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failNext > 0 {
		m.failNext--
		return ErrInjected
	}
	msg.Body = append([]byte(nil), msg.Body...)
	m.published = append(m.published, msg)
	if MatchRoutingKey(m.binding, msg.Type) {
		m.queue = append(m.queue, queued{msg: msg})
		m.signal()
	}
	return nil
}

// Published returns every message accepted so far, in order.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Attempts counts publish calls including injected failures.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Redeliver puts msg back on the queue as a broker redelivery would.
func (m *Memory) Redeliver(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{msg: msg, redelivered: true})
	m.signal()
}

// Drain hands every queued message to h synchronously, including messages
// requeued while draining, up to limit deliveries. It returns how many
// deliveries were made.
func (m *Memory) Drain(ctx context.Context, h Handler, limit int) int {
	n := 0
	for n < limit {
		q, ok := m.pop()
		if !ok {
			return n
		}
		m.deliver(ctx, h, q)
		n++
	}
	return n
}

func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	for {
		q, ok := m.pop()
		if ok {
			m.deliver(ctx, h, q)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
		}
	}
}

func (m *Memory) deliver(ctx context.Context, h Handler, q queued) {
	h(ctx, NewDelivery(q.msg, q.msg.Type, q.redelivered, &memoryAcker{m: m, q: q}))
}

func (m *Memory) pop() (queued, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return queued{}, false
	}
	q := m.queue[0]
	m.queue = m.queue[1:]
	return q, true
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memoryAcker struct {
	m *Memory
	q queued
}

func (a *memoryAcker) Ack() error { return nil }

func (a *memoryAcker) Nack(requeue bool) error {
	if requeue {
		a.m.Redeliver(a.q.msg)
	}
	return nil
}

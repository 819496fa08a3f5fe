// Package loopback is an in-process messaging.Client. It delivers messages
// synchronously to local subscribers and backs the memory driver and tests.
package loopback

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/common/middleware"
)

var (
	// ErrNoResponders is returned by Request when nothing subscribes to the subject.
	ErrNoResponders = errors.New("no responders available for request")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("loopback client is closed")
)

// Client is an in-process bus.
type Client struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	inboxes map[string]chan *messaging.Message
	nextID  uint64
	closed  atomic.Bool
	// queue groups deliver round-robin
	rr map[string]int
}

// New returns an empty bus.
func New() *Client {
	return &Client{
		subs:    make(map[uint64]*subscription),
		inboxes: make(map[string]chan *messaging.Message),
		rr:      make(map[string]int),
	}
}

type subscription struct {
	bus     *Client
	id      uint64
	subject string
	queue   string
	handler messaging.MessageHandler
	valid   atomic.Bool
}

func (s *subscription) Unsubscribe() error {
	s.valid.Store(false)
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *subscription) Subject() string { return s.subject }
func (s *subscription) IsValid() bool   { return s.valid.Load() }

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out := *msg
	out.Timestamp = time.Now()
	if id := middleware.GetRequestID(ctx); id != "" {
		md := make(map[string]string, len(msg.Metadata)+1)
		for k, v := range msg.Metadata {
			md[k] = v
		}
		if _, ok := md[middleware.HeaderRequestID]; !ok {
			md[middleware.HeaderRequestID] = id
		}
		out.Metadata = md
	}

	c.mu.RLock()
	inbox, isInbox := c.inboxes[msg.Subject]
	c.mu.RUnlock()
	if isInbox {
		select {
		case inbox <- &out:
		default:
		}
		return nil
	}

	for _, sub := range c.targets(msg.Subject) {
		_ = sub.handler(ctx, &out)
	}
	return nil
}

// targets picks every plain subscriber plus one member per queue group.
func (c *Client) targets(subject string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	var plain []*subscription
	groups := make(map[string][]*subscription)
	for _, id := range c.sortedIDs() {
		sub := c.subs[id]
		if !Match(sub.subject, subject) {
			continue
		}
		if sub.queue == "" {
			plain = append(plain, sub)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	for queue, members := range groups {
		idx := c.rr[queue] % len(members)
		c.rr[queue]++
		plain = append(plain, members[idx])
	}
	return plain
}

func (c *Client) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Request delivers the message with a private reply subject and waits for
// the first reply.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(c.targets(subject)) == 0 {
		return nil, ErrNoResponders
	}

	inbox := "_INBOX." + uuid.NewString()
	ch := make(chan *messaging.Message, 1)
	c.mu.Lock()
	c.inboxes[inbox] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inboxes, inbox)
		c.mu.Unlock()
	}()

	if err := c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data, Reply: inbox}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.QueueSubscribe(subject, "", handler)
}

func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &subscription{bus: c, id: c.nextID, subject: subject, queue: queue, handler: handler}
	sub.valid.Store(true)
	c.subs[sub.id] = sub
	return sub, nil
}

func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	for _, sub := range c.subs {
		sub.valid.Store(false)
	}
	c.subs = make(map[uint64]*subscription)
	c.mu.Unlock()
	return nil
}

func (c *Client) Drain() error { return c.Close() }

func (c *Client) IsConnected() bool { return !c.closed.Load() }

// Match reports whether subject matches pattern using NATS wildcard rules:
// "*" matches one token and a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

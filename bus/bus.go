// Package bus is the in-process pub/sub between the state machine and the
// services around it: sys/* carries device status, config/* the retained
// configuration sections.
package bus

import (
	"slices"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// Topic is a path of tokens. In subscriptions "+" matches exactly one token
// and a trailing "#" matches zero or more.
type Topic []string

const (
	AnyOne  = "+"
	AnyRest = "#"
)

// T builds a topic from its tokens.
func T(parts ...string) Topic { return Topic(parts) }

func (t Topic) String() string { return strings.Join(t, "/") }

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection // owning connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// deliver never blocks: a full queue drops its oldest message.
func (s *Subscription) deliver(m *Message) {
	for {
		select {
		case s.ch <- m:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok string, create bool) *node {
	if c, ok := n.children[tok]; ok || !create {
		return c
	}
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := &node{}
	n.children[tok] = c
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.retained == nil
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.Mutex
	root *node
	qLen int
}

const defaultQueueLen = 8

// NewBus creates a bus whose subscriptions queue up to queueLen messages.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// addSubscription inserts a subscription and replays matching retained
// messages to it.
func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range sub.topic {
		n = n.child(tok, true)
	}
	n.subs = append(n.subs, sub)

	collectRetained(b.root, sub.topic, sub.deliver)
}

func collectRetained(n *node, pattern Topic, fn func(*Message)) {
	if len(pattern) == 0 {
		if n.retained != nil {
			fn(n.retained)
		}
		return
	}
	switch pattern[0] {
	case AnyRest:
		walkRetained(n, fn)
	case AnyOne:
		for _, c := range n.children {
			collectRetained(c, pattern[1:], fn)
		}
	default:
		if c := n.child(pattern[0], false); c != nil {
			collectRetained(c, pattern[1:], fn)
		}
	}
}

func walkRetained(n *node, fn func(*Message)) {
	if n.retained != nil {
		fn(n.retained)
	}
	for _, c := range n.children {
		walkRetained(c, fn)
	}
}

// Publish delivers a message to every matching subscriber. A retained
// message replaces the topic's retained value; a nil payload clears it.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	match(b.root, msg.Topic, msg)

	if !msg.Retained {
		return
	}
	if msg.Payload == nil {
		b.prune(msg.Topic, func(n *node) { n.retained = nil })
		return
	}
	n := b.root
	for _, tok := range msg.Topic {
		n = n.child(tok, true)
	}
	n.retained = msg
}

func match(n *node, topic Topic, msg *Message) {
	if h := n.child(AnyRest, false); h != nil {
		for _, s := range h.subs {
			s.deliver(msg)
		}
	}
	if len(topic) == 0 {
		for _, s := range n.subs {
			s.deliver(msg)
		}
		return
	}
	if c := n.child(topic[0], false); c != nil {
		match(c, topic[1:], msg)
	}
	if c := n.child(AnyOne, false); c != nil {
		match(c, topic[1:], msg)
	}
}

// prune applies fn to the node at path and removes nodes left empty.
func (b *Bus) prune(path Topic, fn func(*node)) {
	n := b.root
	stack := make([]*node, 0, len(path))
	for _, tok := range path {
		c := n.child(tok, false)
		if c == nil {
			return
		}
		stack = append(stack, n)
		n = c
	}
	fn(n)
	for i := len(path) - 1; i >= 0; i-- {
		parent := stack[i]
		if !parent.children[path[i]].empty() {
			break
		}
		delete(parent.children, path[i])
	}
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(sub.topic, func(n *node) {
		for i, s := range n.subs {
			if s == sub {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
	})
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// Connection is one component's handle on the bus. It owns the
// subscriptions it opens and closes them on Disconnect.
type Connection struct {
	id  string
	bus *Bus

	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{id: id, bus: b}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

// Subscribe opens a subscription; retained messages matching topic are
// queued on it before it is returned.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, c.bus.qLen), conn: c}
	c.bus.addSubscription(sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe closes sub's channel. Repeated calls are no-ops.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	i := slices.Index(c.subs, sub)
	if i >= 0 {
		c.subs = slices.Delete(c.subs, i, i+1)
	}
	c.mu.Unlock()
	if i < 0 {
		return
	}
	c.bus.unsubscribe(sub)
	close(sub.ch)
}

func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub)
		close(sub.ch)
	}
}

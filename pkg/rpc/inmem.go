// Package rpc provides an in-memory transport for clusters living in one
// process: tests and demos wire servers through a Network that can drop
// links, partition members and inject latency.
package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

var (
	ErrUnreachable = errors.New("rpc: endpoint unreachable")
	ErrClosed      = errors.New("rpc: client closed")
)

var (
	_ raft.Listener      = (*localListener)(nil)
	_ raft.ClientFactory = (*localFactory)(nil)
	_ raft.RPCClient     = (*localClient)(nil)
)

// Network connects in-process servers by endpoint name. Links are
// directional: Disconnect(a, b) drops traffic from a to b only.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]raft.RequestHandler
	disabled map[string]map[string]bool
	latency  time.Duration
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]raft.RequestHandler),
		disabled: make(map[string]map[string]bool),
	}
}

// SetLatency delays every delivery by d.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Disconnect drops traffic from one endpoint to another.
func (n *Network) Disconnect(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] == nil {
		n.disabled[from] = make(map[string]bool)
	}
	n.disabled[from][to] = true
}

// Connect restores a dropped link.
func (n *Network) Connect(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] != nil {
		delete(n.disabled[from], to)
	}
}

// Partition isolates an endpoint from everything else, both directions.
func (n *Network) Partition(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.handlers {
		if other == endpoint {
			continue
		}
		if n.disabled[endpoint] == nil {
			n.disabled[endpoint] = make(map[string]bool)
		}
		if n.disabled[other] == nil {
			n.disabled[other] = make(map[string]bool)
		}
		n.disabled[endpoint][other] = true
		n.disabled[other][endpoint] = true
	}
}

// Heal restores all links touching an endpoint.
func (n *Network) Heal(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled[endpoint] = make(map[string]bool)
	for other := range n.disabled {
		delete(n.disabled[other], endpoint)
	}
}

// HealAll restores every link.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = make(map[string]map[string]bool)
}

func (n *Network) connected(from, to string) bool {
	if n.disabled[from] == nil {
		return true
	}
	return !n.disabled[from][to]
}

// deliver runs the destination handler, honoring link state and latency.
func (n *Network) deliver(from, to string, req *msg.Request) (*msg.Response, error) {
	n.mu.RLock()
	handler, ok := n.handlers[to]
	up := n.connected(from, to)
	latency := n.latency
	n.mu.RUnlock()

	if !ok || !up || handler == nil {
		return nil, ErrUnreachable
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return handler(req)
}

// Listener returns the inbound side for one endpoint.
func (n *Network) Listener(endpoint string) raft.Listener {
	return &localListener{network: n, endpoint: endpoint}
}

// Factory returns a client factory whose clients originate from the given
// endpoint, so directional partitions apply.
func (n *Network) Factory(from string) raft.ClientFactory {
	return &localFactory{network: n, from: from}
}

type localListener struct {
	network  *Network
	endpoint string
}

func (l *localListener) Listen(h raft.RequestHandler) {
	l.network.mu.Lock()
	l.network.handlers[l.endpoint] = h
	l.network.mu.Unlock()
}

func (l *localListener) Stop() error {
	l.network.mu.Lock()
	delete(l.network.handlers, l.endpoint)
	l.network.mu.Unlock()
	return nil
}

type localFactory struct {
	network *Network
	from    string
}

func (f *localFactory) CreateClient(endpoint string) (raft.RPCClient, error) {
	return &localClient{network: f.network, from: f.from, to: endpoint}, nil
}

// localClient delivers each request on its own goroutine so transports
// never re-enter the engine synchronously.
type localClient struct {
	network *Network
	from    string
	to      string

	mu     sync.Mutex
	closed bool
}

func (c *localClient) Send(req *msg.Request, timeout time.Duration, handler raft.RPCHandler) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		go handler(nil, ErrClosed)
		return
	}

	done := make(chan struct{})
	var resp *msg.Response
	var err error
	go func() {
		resp, err = c.network.deliver(c.from, c.to, req)
		close(done)
	}()

	go func() {
		select {
		case <-done:
			handler(resp, err)
		case <-time.After(timeout):
			handler(nil, raft.ErrTimeout)
		}
	}()
}

func (c *localClient) IsAbandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *localClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

package raft

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/msg"
)

// fwdPkg is the bounded client pool for one leader id: an idle list, the
// in-use set, and the waiters parked when the pool is exhausted in
// blocking mode.
type fwdPkg struct {
	mu      sync.Mutex
	idle    []RPCClient
	inUse   map[RPCClient]struct{}
	waiters []chan RPCClient
}

func (pkg *fwdPkg) size() int {
	return len(pkg.idle) + len(pkg.inUse)
}

// fwdQueued is one deferred request in async mode.
type fwdQueued struct {
	req *msg.Request
	res *Result
}

// forwarder proxies client requests from a non-leader to the current
// leader through bounded per-leader client pools.
type forwarder struct {
	s *Server

	mu   sync.Mutex
	pkgs map[int32]*fwdPkg

	queueMu sync.Mutex
	queue   []*fwdQueued

	closed bool
}

func newForwarder(s *Server) *forwarder {
	return &forwarder{s: s, pkgs: make(map[int32]*fwdPkg)}
}

// forward proxies app_log payloads.
func (f *forwarder) forward(leader int32, data [][]byte) *Result {
	s := f.s
	s.mu.Lock()
	req := msg.NewRequest(msg.TypeClientRequest, s.state.Term, s.id, leader)
	for _, payload := range data {
		req.Entries = append(req.Entries, msg.NewLogEntry(0, msg.ValueAppLog, payload))
	}
	s.mu.Unlock()
	return f.forwardReq(leader, req)
}

// forwardReq acquires a pool client for the leader and dispatches req. In
// async mode an exhausted pool queues the request in FIFO order instead of
// blocking.
func (f *forwarder) forwardReq(leader int32, req *msg.Request) *Result {
	res := newResult()

	pkg := f.pkgFor(leader)
	if pkg == nil {
		res.complete(ResultCancelled, nil, nil)
		return res
	}

	client, queued := f.acquire(leader, pkg, &fwdQueued{req: req, res: res})
	if queued {
		return res
	}
	if client == nil {
		res.complete(ResultTimeout, nil, nil)
		return res
	}

	f.dispatch(leader, pkg, client, req, res)
	return res
}

func (f *forwarder) pkgFor(leader int32) *fwdPkg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	pkg, ok := f.pkgs[leader]
	if !ok {
		pkg = &fwdPkg{inUse: make(map[RPCClient]struct{})}
		f.pkgs[leader] = pkg
	}
	return pkg
}

// acquire returns a client moved to the in-use set, or reports that the
// request was queued (async mode). A nil client with queued=false means
// no client was obtained: the blocking wait timed out or connecting to the
// leader failed.
func (f *forwarder) acquire(leader int32, pkg *fwdPkg, pending *fwdQueued) (RPCClient, bool) {
	s := f.s
	maxConns := s.params.AutoForwardingMaxConnections
	blocking := s.params.ReturnMethod == Blocking

	pkg.mu.Lock()
	for len(pkg.idle) > 0 {
		client := pkg.idle[0]
		pkg.idle = pkg.idle[1:]
		if client.IsAbandoned() {
			// Stale connection: replace it instead of reusing.
			_ = client.Close()
			fresh, err := f.newClient(leader)
			if err != nil {
				continue
			}
			client = fresh
		}
		pkg.inUse[client] = struct{}{}
		pkg.mu.Unlock()
		return client, false
	}

	if pkg.size() < maxConns {
		client, err := f.newClient(leader)
		if err != nil {
			pkg.mu.Unlock()
			s.logger.Warnw("cannot connect to leader for forwarding",
				"id", s.id, "leader", leader, zap.Error(err))
			return nil, false
		}
		pkg.inUse[client] = struct{}{}
		pkg.mu.Unlock()
		return client, false
	}

	if !blocking {
		// Async mode: park the request; a releasing client picks it up
		// in FIFO order.
		f.queueMu.Lock()
		f.queue = append(f.queue, pending)
		depth := len(f.queue)
		f.queueMu.Unlock()
		pkg.mu.Unlock()
		s.logger.Debugw("forward pool exhausted, queued request",
			"id", s.id, "leader", leader, "queue_depth", depth)
		return nil, true
	}

	// Blocking mode: wait for a released client or the request timeout.
	waiter := make(chan RPCClient, 1)
	pkg.waiters = append(pkg.waiters, waiter)
	pkg.mu.Unlock()

	select {
	case client := <-waiter:
		return client, false
	case <-time.After(s.params.ClientReqTimeout):
		pkg.mu.Lock()
		for i, w := range pkg.waiters {
			if w == waiter {
				pkg.waiters = append(pkg.waiters[:i], pkg.waiters[i+1:]...)
				pkg.mu.Unlock()
				return nil, false
			}
		}
		pkg.mu.Unlock()
		// A releaser already granted us a client; take it so it is not
		// leaked, then hand it straight back.
		if client := <-waiter; client != nil {
			f.release(leader, pkg, client)
		}
		return nil, false
	}
}

func (f *forwarder) newClient(leader int32) (RPCClient, error) {
	sv := f.s.Config().Server(leader)
	if sv == nil {
		return nil, ErrServerMissing
	}
	return f.s.factory.CreateClient(sv.Endpoint)
}

// dispatch sends one request on a pool client; completion resolves the
// result and releases the client regardless of outcome.
func (f *forwarder) dispatch(leader int32, pkg *fwdPkg, client RPCClient, req *msg.Request, res *Result) {
	s := f.s
	reqID := uuid.NewString()
	s.logger.Debugw("forwarding request to leader",
		"id", s.id, "leader", leader, "request_id", reqID, "type", req.Type.String())

	client.Send(req, s.params.AutoForwardingReqTimeout, func(resp *msg.Response, err error) {
		switch {
		case err != nil:
			res.complete(ResultFailed, nil, err)
		case !resp.Accepted:
			code := ResultCode(resp.Result)
			if code == ResultOK {
				code = ResultFailed
			}
			res.complete(code, nil, nil)
		default:
			res.complete(ResultOK, resp.Ctx, nil)
		}
		f.release(leader, pkg, client)
	})
}

// release hands a client back: a blocked waiter gets it first; in async
// mode the oldest queued request is dispatched on it; otherwise it returns
// to the idle list.
func (f *forwarder) release(leader int32, pkg *fwdPkg, client RPCClient) {
	blocking := f.s.params.ReturnMethod == Blocking

	pkg.mu.Lock()
	if blocking {
		if len(pkg.waiters) > 0 {
			waiter := pkg.waiters[0]
			pkg.waiters = pkg.waiters[1:]
			pkg.mu.Unlock()
			waiter <- client // stays in-use, ownership moves to the waiter
			return
		}
		delete(pkg.inUse, client)
		pkg.idle = append([]RPCClient{client}, pkg.idle...)
		pkg.mu.Unlock()
		return
	}

	f.queueMu.Lock()
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.queueMu.Unlock()
		pkg.mu.Unlock()
		f.dispatch(leader, pkg, client, next.req, next.res)
		return
	}
	f.queueMu.Unlock()
	delete(pkg.inUse, client)
	pkg.idle = append([]RPCClient{client}, pkg.idle...)
	pkg.mu.Unlock()
}

// shutdown drains pools and queues; parked and queued requests complete
// with CANCELLED.
func (f *forwarder) shutdown() {
	f.mu.Lock()
	f.closed = true
	pkgs := f.pkgs
	f.pkgs = make(map[int32]*fwdPkg)
	f.mu.Unlock()

	f.queueMu.Lock()
	queued := f.queue
	f.queue = nil
	f.queueMu.Unlock()
	for _, q := range queued {
		q.res.complete(ResultCancelled, nil, nil)
	}

	for _, pkg := range pkgs {
		pkg.mu.Lock()
		for _, c := range pkg.idle {
			_ = c.Close()
		}
		pkg.idle = nil
		for c := range pkg.inUse {
			_ = c.Close()
		}
		pkg.inUse = make(map[RPCClient]struct{})
		waiters := pkg.waiters
		pkg.waiters = nil
		pkg.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}
}

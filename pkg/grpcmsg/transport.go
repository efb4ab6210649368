// Package grpcmsg implements the engine's transport over gRPC. Messages
// keep their own binary framing; gRPC moves them as opaque frames through
// a registered raw codec, so the wire layout is identical regardless of
// transport.
package grpcmsg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

const exchangeMethod = "/graft.Transport/Exchange"

// rawFrame is the unit the codec moves: already-encoded message bytes.
type rawFrame struct {
	data []byte
}

// rawCodec satisfies grpc's encoding.Codec for rawFrame values.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpcmsg: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpcmsg: cannot unmarshal into %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "graft-raw" }

// transportService serves Exchange by handing decoded requests to the
// engine's handler.
type transportService struct {
	handler raft.RequestHandler
}

func (s *transportService) Exchange(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	req, err := msg.DecodeRequest(in.data)
	if err != nil {
		return nil, err
	}
	resp, err := s.handler(req)
	if err != nil {
		return nil, err
	}
	return &rawFrame{data: resp.Encode()}, nil
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(*transportService)
	if interceptor == nil {
		return svc.Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	h := func(ctx context.Context, req interface{}) (interface{}, error) {
		return svc.Exchange(ctx, req.(*rawFrame))
	}
	return interceptor(ctx, in, info, h)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "graft.Transport",
	HandlerType: (*transportService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graft/transport",
}

// Listener serves the engine's inbound side on a TCP address.
type Listener struct {
	mu       sync.Mutex
	addr     string
	lis      net.Listener
	server   *grpc.Server
	serveErr chan error
}

func NewListener(addr string) (*Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcmsg: listen on %s: %w", addr, err)
	}
	return &Listener{addr: addr, lis: lis, serveErr: make(chan error, 1)}, nil
}

// Endpoint is the bound address, useful with port 0.
func (l *Listener) Endpoint() string { return l.lis.Addr().String() }

func (l *Listener) Listen(h raft.RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return
	}
	l.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	l.server.RegisterService(&transportServiceDesc, &transportService{handler: h})
	go func() {
		l.serveErr <- l.server.Serve(l.lis)
	}()
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server == nil {
		return l.lis.Close()
	}
	server.GracefulStop()
	return nil
}

// Factory mints gRPC-backed clients.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) CreateClient(endpoint string) (raft.RPCClient, error) {
	conn, err := grpc.Dial(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcmsg: dial %s: %w", endpoint, err)
	}
	return &client{conn: conn}, nil
}

type client struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool
}

func (c *client) Send(req *msg.Request, timeout time.Duration, handler raft.RPCHandler) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go handler(nil, fmt.Errorf("grpcmsg: client closed"))
		return
	}
	conn := c.conn
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		out := new(rawFrame)
		if err := conn.Invoke(ctx, exchangeMethod, &rawFrame{data: req.Encode()}, out); err != nil {
			handler(nil, err)
			return
		}
		resp, err := msg.DecodeResponse(out.data)
		if err != nil {
			handler(nil, err)
			return
		}
		handler(resp, nil)
	}()
}

func (c *client) IsAbandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	return c.conn.GetState() == connectivity.Shutdown
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

package msg

import (
	"fmt"

	"github.com/szmyd/graft/pkg/codec"
)

// InitPriority is the default election priority assigned to new servers.
const InitPriority = 1

// SrvConfig describes one member of the cluster.
type SrvConfig struct {
	// ID of this server, must be a positive number.
	ID int32

	// DCID identifies the datacenter the server runs in, 0 if unused.
	DCID int32

	// Endpoint is the transport address (host:port).
	Endpoint string

	// Aux is a caller-defined string. It is stored as a C-style string on
	// the wire and must not contain NUL.
	Aux string

	// Learner servers receive replication but never vote or lead.
	Learner bool

	// Priority gates leadership; 0 means the server never starts elections.
	Priority int32
}

func NewSrvConfig(id int32, endpoint string) *SrvConfig {
	return &SrvConfig{ID: id, Endpoint: endpoint, Priority: InitPriority}
}

func (s *SrvConfig) Clone() *SrvConfig {
	cp := *s
	return &cp
}

func (s *SrvConfig) String() string {
	return fmt.Sprintf("srv{id=%d endpoint=%s learner=%v priority=%d}",
		s.ID, s.Endpoint, s.Learner, s.Priority)
}

func (s *SrvConfig) Encode() []byte {
	w := codec.NewWriter()
	s.EncodeTo(w)
	return w.Bytes()
}

func (s *SrvConfig) EncodeTo(w *codec.Writer) {
	w.PutI32(s.ID)
	w.PutI32(s.DCID)
	w.PutCString(s.Endpoint)
	w.PutCString(s.Aux)
	w.PutBool(s.Learner)
	w.PutI32(s.Priority)
}

func DecodeSrvConfig(b []byte) (*SrvConfig, error) {
	r := codec.NewReader(b)
	s, err := DecodeSrvConfigFrom(r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func DecodeSrvConfigFrom(r *codec.Reader) (*SrvConfig, error) {
	s := &SrvConfig{}
	s.ID = r.I32()
	s.DCID = r.I32()
	s.Endpoint = r.CString()
	s.Aux = r.CString()
	s.Learner = r.Bool()
	s.Priority = r.I32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// ClusterConfig is an ordered set of server descriptors plus the log position
// at which the config was appended. Configs replace each other monotonically
// by LogIdx.
type ClusterConfig struct {
	LogIdx     uint64
	PrevLogIdx uint64
	Servers    []*SrvConfig
}

func NewClusterConfig(logIdx, prevLogIdx uint64) *ClusterConfig {
	return &ClusterConfig{LogIdx: logIdx, PrevLogIdx: prevLogIdx}
}

func (c *ClusterConfig) Clone() *ClusterConfig {
	cp := &ClusterConfig{LogIdx: c.LogIdx, PrevLogIdx: c.PrevLogIdx}
	cp.Servers = make([]*SrvConfig, len(c.Servers))
	for i, s := range c.Servers {
		cp.Servers[i] = s.Clone()
	}
	return cp
}

// Server returns the descriptor with the given id, or nil.
func (c *ClusterConfig) Server(id int32) *SrvConfig {
	for _, s := range c.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Voters returns the servers that count toward quorum.
func (c *ClusterConfig) Voters() []*SrvConfig {
	out := make([]*SrvConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if !s.Learner {
			out = append(out, s)
		}
	}
	return out
}

// Quorum is the majority size over voting members.
func (c *ClusterConfig) Quorum() int {
	return len(c.Voters())/2 + 1
}

// MaxPriority is the highest priority among members, the initial gate for
// priority-based elections.
func (c *ClusterConfig) MaxPriority() int32 {
	var max int32
	for _, s := range c.Servers {
		if s.Priority > max {
			max = s.Priority
		}
	}
	return max
}

func (c *ClusterConfig) Encode() []byte {
	w := codec.NewWriter()
	c.EncodeTo(w)
	return w.Bytes()
}

func (c *ClusterConfig) EncodeTo(w *codec.Writer) {
	w.PutU64(c.LogIdx)
	w.PutU64(c.PrevLogIdx)
	w.PutI32(int32(len(c.Servers)))
	for _, s := range c.Servers {
		s.EncodeTo(w)
	}
}

func DecodeClusterConfig(b []byte) (*ClusterConfig, error) {
	r := codec.NewReader(b)
	c, err := DecodeClusterConfigFrom(r)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func DecodeClusterConfigFrom(r *codec.Reader) (*ClusterConfig, error) {
	c := &ClusterConfig{}
	c.LogIdx = r.U64()
	c.PrevLogIdx = r.U64()
	n := r.I32()
	for i := int32(0); i < n && r.Err() == nil; i++ {
		s, err := DecodeSrvConfigFrom(r)
		if err != nil {
			return nil, err
		}
		c.Servers = append(c.Servers, s)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

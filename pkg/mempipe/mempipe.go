// Package mempipe is an in-process pipe namespace.
//
// Its handles behave like overlapped named pipes: a zero-length probe stays
// pending until data arrives or the peer goes away, operations can be
// cancelled, and message boundaries survive in message read mode. Every end
// counts the native operations it hosts so overlapping ones can be detected.
package mempipe

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
)

var ErrInvalidName = errors.Define("invalid pipe name")

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "mempipe"
	errMetaOpKey  = "op"
)

const openRetryInterval = 10 * time.Millisecond

// Stats counts native operations.
type Stats struct {
	Probes   int64
	Reads    int64
	Writes   int64
	Accepts  int64
	Cancels  int64
	Overlaps int64
}

func (s *Stats) add(o Stats) {
	s.Probes += o.Probes
	s.Reads += o.Reads
	s.Writes += o.Writes
	s.Accepts += o.Accepts
	s.Cancels += o.Cancels
	s.Overlaps += o.Overlaps
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{
		pipes: make(map[string]*pipe),
	}
}

// Namespace implements aio.Namespace in memory. One lock covers the whole
// namespace so both ends of a connection change together.
type Namespace struct {
	locker sync.Mutex
	pipes  map[string]*pipe
	ends   []*End
}

type pipe struct {
	name      string
	config    aio.ServerConfig
	instances []*End
}

func (ns *Namespace) Create(name string, config aio.ServerConfig) (aio.ServerHandle, error) {
	if name == "" {
		return nil, errors.New(
			"create pipe failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, "create"),
			errors.WithWrap(ErrInvalidName),
		)
	}
	ns.locker.Lock()
	defer ns.locker.Unlock()

	p, has := ns.pipes[name]
	if !has {
		p = &pipe{name: name, config: config}
		ns.pipes[name] = p
	}
	if p.config.MaxInstances > 0 && len(p.instances) >= p.config.MaxInstances {
		return nil, aio.ErrBusy
	}
	end := newEnd(ns, p, true, p.config.Mode)
	p.instances = append(p.instances, end)
	ns.ends = append(ns.ends, end)
	return end, nil
}

// Open connects to a listening instance of name, retrying while the pipe does
// not exist or every instance is taken.
func (ns *Namespace) Open(ctx context.Context, name string, _ aio.ClientConfig) (aio.Handle, error) {
	for {
		if end := ns.connect(name); end != nil {
			return end, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.From(aio.ErrCanceled, errors.WithWrap(ctx.Err()))
		case <-time.After(openRetryInterval):
		}
	}
}

func (ns *Namespace) connect(name string) *End {
	ns.locker.Lock()
	defer ns.locker.Unlock()
	p, has := ns.pipes[name]
	if !has {
		return nil
	}
	for _, server := range p.instances {
		if server.closed || server.attached {
			continue
		}
		client := newEnd(ns, p, false, aio.ByteMode)
		server.attach(client)
		client.attach(server)
		ns.ends = append(ns.ends, client)
		return client
	}
	return nil
}

// Stats sums the counters of every end created in the namespace.
func (ns *Namespace) Stats() (stats Stats) {
	ns.locker.Lock()
	defer ns.locker.Unlock()
	for _, end := range ns.ends {
		stats.add(end.stats)
	}
	return
}

func (ns *Namespace) remove(end *End) {
	p := end.pipe
	for i, instance := range p.instances {
		if instance == end {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
	if len(p.instances) == 0 {
		delete(ns.pipes, p.name)
	}
}

var _ io.Closer = (*End)(nil)

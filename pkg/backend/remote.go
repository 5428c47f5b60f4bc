package backend

import (
	"errors"
	"sort"
)

// RemoteTransport is the slice of the remote client the adapter
// needs. pkg/client.Transport satisfies it.
type RemoteTransport interface {
	Get(key []byte) (value []byte, found bool, err error)
	PullAll() (map[string][]byte, error)
	BufferPut(key, value []byte)
	BufferDelete(key []byte)
	Flush() error
	DiscardBuffers()
	Count() (int, error)
	Disconnect() error
	Detach() error
	Addr() string
}

// remoteBackend maps the adapter contract onto a server across the
// network. A snapshot is "the current connection": reads go straight
// to the server, and ordered iteration pulls the full mapping once
// and walks it in key order. A batch buffers client-side and ships on
// Commit.
type remoteBackend struct {
	t      RemoteTransport
	closed bool
}

func openRemote(opts *Options) (Backend, error) {
	if opts.Transport == nil {
		return nil, errors.New("backend: remote requires a transport")
	}
	return &remoteBackend{t: opts.Transport}, nil
}

func (r *remoteBackend) Get(key []byte) ([]byte, bool, error) {
	if r.closed {
		return nil, false, ErrClosed
	}
	return r.t.Get(key)
}

func (r *remoteBackend) NewSnapshot() (Snapshot, error) {
	if r.closed {
		return nil, ErrClosed
	}
	return &remoteSnapshot{t: r.t}, nil
}

func (r *remoteBackend) Write() (Batch, error) {
	if r.closed {
		return nil, ErrClosed
	}
	return &remoteBatch{t: r.t}, nil
}

func (r *remoteBackend) Count() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.t.Count()
}

func (r *remoteBackend) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.t.Disconnect()
}

func (r *remoteBackend) Destroy() error {
	if err := r.t.Detach(); err != nil {
		return err
	}
	return r.Close()
}

// Rebuild over the wire happens at connect time (ConnectRequest
// Rebuild); an attached handle cannot rebuild in place.
func (r *remoteBackend) Rebuild() error {
	return errors.New("backend: remote rebuild requires reconnecting")
}

func (r *remoteBackend) Path() string { return r.t.Addr() }
func (r *remoteBackend) Kind() Kind   { return Remote }

type remoteSnapshot struct {
	t      RemoteTransport
	closed bool
}

func (s *remoteSnapshot) Get(key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.t.Get(key)
}

func (s *remoteSnapshot) Iter(fn func(key, value []byte) error) error {
	if s.closed {
		return ErrClosed
	}
	m, err := s.t.PullAll()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *remoteSnapshot) Release() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

type remoteBatch struct {
	t    RemoteTransport
	done bool
}

func (b *remoteBatch) Put(key, value []byte) error {
	if b.done {
		return ErrClosed
	}
	b.t.BufferPut(key, value)
	return nil
}

func (b *remoteBatch) Delete(key []byte) error {
	if b.done {
		return ErrClosed
	}
	b.t.BufferDelete(key)
	return nil
}

func (b *remoteBatch) Commit() error {
	if b.done {
		return ErrClosed
	}
	b.done = true
	return b.t.Flush()
}

func (b *remoteBatch) Discard() {
	if !b.done {
		b.t.DiscardBuffers()
		b.done = true
	}
}

//go:build linux || darwin

package iomultiplex

// handlerHolder is satisfied by every concrete endpoint (FdConnection and
// anything embedding it). Adapter uses it to forward its slave's engine
// handle.
type handlerHolder interface {
	Handler() *IOHandler
}

type openChecker interface {
	IsOpen() bool
}

type canceller interface {
	Cancel(rx, tx, fast bool)
}

// Transformer lets an adapter defined in another package interpose its
// own byte-level translation ahead of Adapter's plain slave pass-through.
// Per the Go spec, "non-exported method names from different packages are
// always different": a type in package tls cannot declare its own doRead
// to shadow Adapter's promoted one, since Connection.doRead is scoped to
// this package. Transformer is the exported seam that takes its place —
// the tls subpackage's handshake/record-layer adapter embeds *Adapter and
// calls [Adapter.SetTransformer] with itself, and Adapter.doRead/doWrite
// delegate to it whenever one is installed.
type Transformer interface {
	TransformRead(buf []byte) (int, error)
	TransformWrite(buf []byte) (int, error)
}

// Adapter is a Connection that holds a slave Connection and forwards
// Handle/Handler/IsOpen/Cancel/Close to it. By itself (no [Transformer]
// installed) it is a transparent no-op adapter — queueing on it is
// indistinguishable from queueing on the slave directly, which is also
// how its transparency is tested.
type Adapter struct {
	slave     Connection
	owned     bool
	transform Transformer
}

// NewAdapter wraps slave. If owned is true, Close also closes slave;
// otherwise slave's lifetime is the caller's responsibility.
func NewAdapter(slave Connection, owned bool) *Adapter {
	return &Adapter{slave: slave, owned: owned}
}

// Slave returns the wrapped Connection.
func (a *Adapter) Slave() Connection { return a.slave }

// SetTransformer installs t as the byte-level translation doRead/doWrite
// delegate to, in place of the plain slave pass-through. Passing nil
// restores transparent forwarding. See [Transformer].
func (a *Adapter) SetTransformer(t Transformer) { a.transform = t }

// Owned reports whether Close also closes the slave.
func (a *Adapter) Owned() bool { return a.owned }

// Handle implements [Connection] by forwarding to the slave.
func (a *Adapter) Handle() int { return a.slave.Handle() }

// Handler forwards to the slave's engine, if it exposes one.
func (a *Adapter) Handler() *IOHandler {
	if hh, ok := a.slave.(handlerHolder); ok {
		return hh.Handler()
	}
	return nil
}

// IsOpen forwards to the slave's own IsOpen, falling back to a Handle
// check for slaves (or nested adapters) that don't implement it.
func (a *Adapter) IsOpen() bool {
	if oc, ok := a.slave.(openChecker); ok {
		return oc.IsOpen()
	}
	return a.slave.Handle() >= 0
}

// Cancel forwards to the slave's Cancel, if it has one.
func (a *Adapter) Cancel(rx, tx, fast bool) {
	if c, ok := a.slave.(canceller); ok {
		c.Cancel(rx, tx, fast)
	}
}

// Close closes the slave only if this adapter owns it.
func (a *Adapter) Close() error {
	if !a.owned {
		return nil
	}
	if cl, ok := a.slave.(Closer); ok {
		return cl.Close()
	}
	return nil
}

// doRead/doWrite make *Adapter a transparent pass-through Connection, or
// delegate to an installed [Transformer] (the tls subpackage's encrypted
// read/write primitives, for instance).
func (a *Adapter) doRead(buf []byte) (int, error) {
	if a.transform != nil {
		return a.transform.TransformRead(buf)
	}
	return a.slave.doRead(buf)
}

func (a *Adapter) doWrite(buf []byte) (int, error) {
	if a.transform != nil {
		return a.transform.TransformWrite(buf)
	}
	return a.slave.doWrite(buf)
}

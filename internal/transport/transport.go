// Package transport defines the TransportDriver boundary the connection
// manager consumes (spec §6). It is intentionally thin and protocol-agnostic:
// a transport only ever sees tagged reads/writes and typed accessors, never
// Modbus function codes directly. The goburrowdriver subpackage is the only
// concrete implementation; everything under internal/connmgr depends on these
// interfaces, never on goburrowdriver.
package transport

import "context"

// ResponseCode mirrors a PLC4X-style per-tag response code: OK or anything
// else, which the connection manager treats uniformly as a protocol failure.
type ResponseCode int

const (
	OK ResponseCode = iota
	NotFound
	Invalid
	InternalError
)

func (r ResponseCode) String() string {
	switch r {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case Invalid:
		return "INVALID"
	default:
		return "INTERNAL_ERROR"
	}
}

// Driver opens connections for a connection string. Connection strings are
// opaque to the core and passed through verbatim; canonical forms are
// "modbus:tcp://<host>:<port>?unit-identifier=<n>" and "modbus:rtu-tcp://...".
type Driver interface {
	Open(connectionString string) (Connection, error)
}

// Connection is one opened, possibly-not-yet-connected transport session.
type Connection interface {
	Connect() error
	IsConnected() bool
	Close() error

	NewReadRequest() ReadRequestBuilder
	NewWriteRequest() WriteRequestBuilder
}

// ReadRequestBuilder accumulates tagged reads before executing them in one
// round trip.
type ReadRequestBuilder interface {
	// AddTag registers a read for tag under name. name is the key used to
	// look up the result on the returned ReadResponse.
	AddTag(name, tag string)
	Execute(ctx context.Context) (ReadResponse, error)
}

// ReadResponse exposes per-tag response codes and typed accessors. Boolean
// categories use Bool/Bools; register categories use Uint16/Uint16s.
type ReadResponse interface {
	ResponseCode(name string) ResponseCode
	Bool(name string) bool
	Bools(name string) []bool
	Uint16(name string) uint16
	Uint16s(name string) []uint16
}

// WriteRequestBuilder accumulates tagged writes before executing them in one
// round trip.
type WriteRequestBuilder interface {
	AddBoolTag(name, tag string, value bool)
	AddBoolsTag(name, tag string, values []bool)
	AddUint16Tag(name, tag string, value uint16)
	AddUint16sTag(name, tag string, values []uint16)
	Execute(ctx context.Context) (WriteResponse, error)
}

// WriteResponse exposes per-tag response codes for a completed write request.
type WriteResponse interface {
	ResponseCode(name string) ResponseCode
}

// Package conn implements HttpConn: the per-connection aggregate tying a
// socket fd together with its read/write buffers, incremental request
// parser, response builder, and a cached route handler. Modeled on the
// original LiteWebServer HttpConn class's read/process/write split, adapted
// to Go's explicit-state style (no hidden this-pointer lifetime).
package conn

import (
	"context"
	"net"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/sys/unix"

	"github.com/nabbar/litewebserver/internal/buffer"
	"github.com/nabbar/litewebserver/internal/httpparse"
	"github.com/nabbar/litewebserver/internal/logger"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/response"
	"github.com/nabbar/litewebserver/internal/router"
)

// maxWriteBurst mirrors the original's 10240-byte threshold: under
// level-triggered polling, WriteSocket keeps looping past one write/sendfile
// call only while more than this many bytes remain, to bound how long a
// single worker monopolizes one connection. Under edge-triggered polling it
// loops until everything is sent or the socket stops accepting bytes.
const maxWriteBurst = 10240

// Conn is one accepted connection's full mutable state, reused across
// keep-alive requests.
type Conn struct {
	Fd        int
	Peer      net.Addr
	TraceID   string
	Edge      bool // true under epoll edge-triggered mode
	KeepAlive bool

	ReadBuf  *buffer.Buffer
	WriteBuf *buffer.Buffer
	Req      *httpparse.Request
	Resp     *response.Response

	cachedHandler router.Handler

	rt  *router.Router
	log logger.Logger
	met metrics.Recorder
}

// New wraps an accepted fd into a Conn ready for its first request.
func New(fd int, peer net.Addr, edge bool, rt *router.Router, log logger.Logger, met metrics.Recorder) *Conn {
	if log == nil {
		log = logger.Noop()
	}
	if met == nil {
		met = metrics.Noop()
	}
	traceID, err := uuid.GenerateUUID()
	if err != nil {
		traceID = "unknown"
	}
	c := &Conn{
		Fd:       fd,
		Peer:     peer,
		TraceID:  traceID,
		Edge:     edge,
		ReadBuf:  buffer.New(4096),
		WriteBuf: buffer.New(4096),
		Req:      httpparse.New(),
		Resp:     response.New(),
		rt:       rt,
		log:      log,
		met:      met,
	}
	met.ConnectionAccepted()
	log.WithFields(map[string]interface{}{"fd": fd, "trace": traceID}).Infof("connection accepted from %s", peerString(peer))
	return c
}

func peerString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}

// ToWriteBytes reports how many bytes remain to be flushed: any buffered
// header/body scratch plus whatever of the file body has not yet been sent.
func (c *Conn) ToWriteBytes() int64 {
	return int64(c.WriteBuf.Size()) + c.Resp.Remaining()
}

// ReadSocket drains the socket into ReadBuf. Under edge-triggered polling it
// loops until the read returns <=0 (EAGAIN or EOF/error), since edge mode
// only wakes once per readiness transition.
func (c *Conn) ReadSocket() (int, error) {
	var total int
	for {
		n, err := c.ReadBuf.ReadFrom(c.Fd)
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
		if !c.Edge {
			return total, nil
		}
	}
}

// Process advances the request state machine and, once a full request (and
// body, if any) has arrived, dispatches to the resolved handler and emits
// the response head into WriteBuf. It returns false whenever more data must
// arrive before progress is possible; lines already parsed stay consumed and
// the parser state is kept, so the next call resumes where this one stopped.
func (c *Conn) Process(ctx context.Context) bool {
	if c.ReadBuf.Size() == 0 {
		return false
	}
	if !c.Req.Parse(c.ReadBuf) {
		return false
	}
	if c.Req.State == httpparse.StateInvalid {
		c.emitInvalid()
		return true
	}

	if c.Req.Method == "POST" && c.Req.ContentExpected > 0 {
		if !c.Req.ParseURLEncoded(c.ReadBuf) {
			return false
		}
		if c.Req.State == httpparse.StateInvalid {
			c.emitInvalid()
			return true
		}
	}

	if c.cachedHandler == nil {
		c.cachedHandler = c.rt.Route(c.Req.Method, c.Req.URL)
	}

	status := c.cachedHandler(ctx, &router.Request{Req: c.Req, Resp: c.Resp})
	c.Resp.EmitHead(c.WriteBuf, status)
	c.met.RequestServed(status)
	c.KeepAlive = c.Req.Header("Connection") == "keep-alive" && c.Req.Version == "1.1"

	c.cachedHandler = nil
	c.Req.Clear()
	return true
}

func (c *Conn) emitInvalid() {
	c.Resp.Clear()
	c.Resp.SetHeader("Connection", "close")
	c.Resp.EmitHead(c.WriteBuf, 400)
	c.met.RequestServed(400)
	c.KeepAlive = false
	c.cachedHandler = nil
	c.Req.Clear()
}

// WriteSocket flushes WriteBuf first, then streams the response body with
// sendfile(2) once the header is fully sent. Under edge-triggered polling it
// keeps looping until nothing remains or a write/sendfile call returns <=0;
// under level-triggered polling it keeps looping only while more than
// maxWriteBurst bytes remain, matching the original's bound on how long one
// connection monopolizes a worker.
func (c *Conn) WriteSocket() (int, error) {
	var total int
	for {
		if c.WriteBuf.Size() > 0 {
			n, err := unix.Write(c.Fd, c.WriteBuf.Bytes())
			if n <= 0 {
				return total, err
			}
			c.WriteBuf.Consume(n)
			total += n
		} else if c.Resp.HasFileBody() && c.Resp.Remaining() > 0 {
			offset := c.Resp.ContentOffset()
			n, err := unix.Sendfile(c.Fd, c.Resp.ContentFD(), &offset, int(c.Resp.Remaining()))
			if n <= 0 {
				return total, err
			}
			c.Resp.Advance(int64(n))
			total += n
		} else {
			return total, nil
		}

		if !c.Edge && c.ToWriteBytes() <= maxWriteBurst {
			return total, nil
		}
		if c.ToWriteBytes() == 0 {
			return total, nil
		}
	}
}

// Close releases the connection's resources. Safe to call once.
func (c *Conn) Close(reason string) error {
	c.Resp.Clear()
	c.met.ConnectionClosed(reason)
	c.log.WithFields(map[string]interface{}{"fd": c.Fd, "trace": c.TraceID}).Infof(
		"connection closed from %s: %s", peerString(c.Peer), reason)
	return unix.Close(c.Fd)
}

// Package server implements WebServer: the single-goroutine epoll event
// loop that owns the listening socket, poller, timer, worker pool, and the
// live connection table, dispatching readiness events to worker-pool tasks
// the way the original LiteWebServer's WebServer::start/dealListen_/onRead_
// /onWrite_ does.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nabbar/litewebserver/internal/conn"
	"github.com/nabbar/litewebserver/internal/logger"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/poller"
	"github.com/nabbar/litewebserver/internal/router"
	"github.com/nabbar/litewebserver/internal/timer"
	"github.com/nabbar/litewebserver/internal/workerpool"
)

// maxFD mirrors the original's MAX_FD: a hard cap on live connections, past
// which newly accepted sockets are told "Server busy!" and closed.
const maxFD = 65536

// Options configures a Server. TrigMode selects edge/level-triggered mode
// for listen/connection sockets exactly as spec.md §6 documents (0: LT/LT,
// 1: LT listen/ET conn, 2: ET listen/LT conn, 3: ET/ET).
type Options struct {
	Port      int
	TrigMode  int
	TimeoutMS int
	OptLinger bool
	ThreadNum int
}

// Server is the event loop: one goroutine owns Start's for-loop and every
// poller/timer/connection-table mutation; request processing and socket
// I/O for individual connections run on the worker pool.
type Server struct {
	opt Options

	listenFd    int
	listenEvent uint32
	connEvent   uint32

	pl   *poller.Poller
	tm   *timer.Heap
	pool *workerpool.Pool
	rt   *router.Router
	log  logger.Logger
	met  metrics.Recorder

	mu    sync.Mutex
	conns map[int]*conn.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Server bound to opt.Port but does not start accepting
// connections until Start is called.
func New(opt Options, rt *router.Router, log logger.Logger, met metrics.Recorder) (*Server, error) {
	if log == nil {
		log = logger.Noop()
	}
	if met == nil {
		met = metrics.Noop()
	}
	if opt.ThreadNum < 1 {
		opt.ThreadNum = 4
	}

	s := &Server{
		opt:    opt,
		tm:     timer.New(),
		pool:   workerpool.New(opt.ThreadNum),
		rt:     rt,
		log:    log,
		met:    met,
		conns:  make(map[int]*conn.Conn),
		closed: make(chan struct{}),
	}
	s.initEventMode()

	pl, err := poller.New(1024)
	if err != nil {
		return nil, err
	}
	s.pl = pl

	if err := s.initSocket(); err != nil {
		_ = pl.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) initEventMode() {
	s.listenEvent = unix.EPOLLRDHUP
	s.connEvent = unix.EPOLLONESHOT | unix.EPOLLRDHUP
	switch s.opt.TrigMode {
	case 0:
	case 1:
		s.connEvent |= unix.EPOLLET
	case 2:
		s.listenEvent |= unix.EPOLLET
	default:
		s.listenEvent |= unix.EPOLLET
		s.connEvent |= unix.EPOLLET
	}
}

func (s *Server) edge() bool {
	return s.connEvent&unix.EPOLLET != 0
}

func (s *Server) initSocket() error {
	if s.opt.Port < 0 || s.opt.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", s.opt.Port)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}

	linger := unix.Linger{}
	if s.opt.OptLinger {
		linger.Onoff = 1
		linger.Linger = 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return err
	}

	addr := &unix.SockaddrInet4{Port: s.opt.Port}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 6); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := s.pl.Add(fd, s.listenEvent|uint32(unix.EPOLLIN)); err != nil {
		_ = unix.Close(fd)
		return err
	}

	s.listenFd = fd
	s.log.Infof("server: listening on port %d (listen=%s conn=%s)", s.opt.Port, trigModeName(s.listenEvent), trigModeName(s.connEvent))
	return nil
}

// Port returns the TCP port the listening socket is actually bound to,
// useful when Options.Port is 0 and the kernel chose an ephemeral one (as
// end-to-end tests do).
func (s *Server) Port() (int, error) {
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return 0, err
	}
	if a, ok := sa.(*unix.SockaddrInet4); ok {
		return a.Port, nil
	}
	return 0, fmt.Errorf("server: unexpected sockaddr type %T", sa)
}

func trigModeName(mask uint32) string {
	if mask&unix.EPOLLET != 0 {
		return "ET"
	}
	return "LT"
}

// Start runs the event loop until Stop is called or ctx is done. It blocks
// the calling goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.log.Infof("server: event loop starting")
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		timeoutMS := -1
		if s.opt.TimeoutMS > 0 {
			timeoutMS = s.tm.NextTick()
		}

		events, err := s.pl.Wait(timeoutMS)
		if err != nil {
			s.log.Errorf("server: poller wait: %v", err)
			continue
		}

		for _, ev := range events {
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev poller.Event) {
	if ev.Fd == s.listenFd {
		s.dealListen()
		return
	}

	c := s.lookup(ev.Fd)
	if c == nil {
		return
	}

	switch {
	case ev.Events&(poller.RDHup|poller.Hup|poller.Err) != 0:
		s.closeConn(c, "peer reset")
	case ev.Events&poller.In != 0:
		s.extendTime(c.Fd)
		s.pool.Submit(func() { s.onRead(c) })
	case ev.Events&poller.Out != 0:
		s.extendTime(c.Fd)
		s.pool.Submit(func() { s.onWrite(c) })
	default:
		s.log.Warnf("server: unexpected event mask %#x on fd %d", ev.Events, ev.Fd)
	}
}

func (s *Server) lookup(fd int) *conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[fd]
}

func (s *Server) dealListen() {
	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err != nil {
			return
		}

		s.mu.Lock()
		count := len(s.conns)
		s.mu.Unlock()
		if count >= maxFD {
			sendBusy(fd)
			s.log.Warnf("server: connection table full, rejecting fd %d", fd)
			if s.listenEvent&unix.EPOLLET == 0 {
				return
			}
			continue
		}

		s.addClient(fd, sockaddrToNetAddr(sa))

		if s.listenEvent&unix.EPOLLET == 0 {
			return
		}
	}
}

func sendBusy(fd int) {
	msg := []byte("Server busy!")
	_, _ = unix.Write(fd, msg)
	_ = unix.Close(fd)
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

func (s *Server) addClient(fd int, peer net.Addr) {
	_ = unix.SetNonblock(fd, true)

	c := conn.New(fd, peer, s.edge(), s.rt, s.log, s.met)

	s.mu.Lock()
	s.conns[fd] = c
	s.mu.Unlock()

	if s.opt.TimeoutMS > 0 {
		s.tm.Add(timer.Task{
			ID:       fd,
			Deadline: time.Now().Add(time.Duration(s.opt.TimeoutMS) * time.Millisecond),
			Action:   func() { s.evictIdle(fd) },
		})
	}

	if err := s.pl.Add(fd, uint32(unix.EPOLLIN)|s.connEvent); err != nil {
		s.log.Warnf("server: failed to register fd %d: %v", fd, err)
		s.closeConn(c, "register failed")
	}
}

func (s *Server) evictIdle(fd int) {
	c := s.lookup(fd)
	if c == nil {
		return
	}
	s.met.TimerEvicted()
	s.closeConn(c, "idle timeout")
}

func (s *Server) extendTime(fd int) {
	if s.opt.TimeoutMS <= 0 {
		return
	}
	s.tm.Update(fd, time.Now().Add(time.Duration(s.opt.TimeoutMS)*time.Millisecond))
}

func (s *Server) onRead(c *conn.Conn) {
	_, err := c.ReadSocket()
	if err != nil && err != unix.EAGAIN {
		s.closeConn(c, "read error")
		return
	}
	s.onProcess(c)
}

func (s *Server) onProcess(c *conn.Conn) {
	if c.Process(context.Background()) {
		if err := s.pl.Modify(c.Fd, s.connEvent|uint32(unix.EPOLLOUT)); err != nil {
			s.closeConn(c, "rearm failed")
		}
		return
	}
	if err := s.pl.Modify(c.Fd, s.connEvent|uint32(unix.EPOLLIN)); err != nil {
		s.closeConn(c, "rearm failed")
	}
}

func (s *Server) onWrite(c *conn.Conn) {
	_, err := c.WriteSocket()
	if c.ToWriteBytes() == 0 {
		if c.KeepAlive {
			s.onProcess(c)
			return
		}
		s.closeConn(c, "response complete")
		return
	}
	if err != nil && err != unix.EAGAIN {
		s.closeConn(c, "write error")
		return
	}
	if err := s.pl.Modify(c.Fd, s.connEvent|uint32(unix.EPOLLOUT)); err != nil {
		s.closeConn(c, "rearm failed")
	}
}

func (s *Server) closeConn(c *conn.Conn, reason string) {
	s.mu.Lock()
	if _, ok := s.conns[c.Fd]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.Fd)
	s.mu.Unlock()

	s.tm.Cancel(c.Fd)
	_ = s.pl.Delete(c.Fd)
	_ = c.Close(reason)
}

// Stop closes the listening socket, tears down the worker pool, and closes
// every live connection. Safe to call multiple times and from any
// goroutine.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = unix.Close(s.listenFd)

		s.mu.Lock()
		conns := make([]*conn.Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.conns = make(map[int]*conn.Conn)
		s.mu.Unlock()

		for _, c := range conns {
			_ = c.Close("server shutdown")
		}

		s.pool.Shutdown()
		_ = s.pl.Close()
		s.log.Infof("server: stopped")
	})
}

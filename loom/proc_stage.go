// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The stage: process-wide state and the event loop. A stage owns the poller,
// the scheduler, the buffer pool, the frontend gate, and all live connections.

package loom

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Stage is the running proxy core.
type Stage struct {
	config *Config
	logger *slog.Logger
	poller *poller
	sched  *scheduler
	pool   *bufferPool
	gate   *httpxGate
	// States
	mutex    sync.Mutex
	conns    map[int]*h1Conn // all live conns, by fd
	shutting atomic.Bool
	stopped  chan struct{}
}

func NewStage(config *Config, logger *slog.Logger) (*Stage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	s := &Stage{
		config:  config,
		logger:  logger,
		poller:  poller,
		sched:   newScheduler(),
		pool:    newBufferPool(config.BufSize, config.BufCount, config.BufReserve),
		conns:   make(map[int]*h1Conn),
		stopped: make(chan struct{}),
	}
	s.sched.kick = poller.kick
	return s, nil
}

func (s *Stage) Logger() *slog.Logger { return s.logger }

// IsShutting reports whether a graceful shutdown is in progress. The mux
// downgrades would-be keep-alive decisions to close while this holds.
func (s *Stage) IsShutting() bool { return s.shutting.Load() }

// Shutdown begins a graceful drain. Safe from any goroutine (signal handler).
func (s *Stage) Shutdown() {
	if s.shutting.CompareAndSwap(false, true) {
		s.logger.Info("stage shutting down")
		s.poller.kick()
	}
}

func (s *Stage) trackConn(c *h1Conn) {
	s.mutex.Lock()
	s.conns[c.fd] = c
	s.mutex.Unlock()
}
func (s *Stage) forgetConn(c *h1Conn) {
	s.mutex.Lock()
	delete(s.conns, c.fd)
	s.mutex.Unlock()
}
func (s *Stage) connCount() int {
	s.mutex.Lock()
	n := len(s.conns)
	s.mutex.Unlock()
	return n
}

// Run opens the gate and drives the event loop until a shutdown completes.
func (s *Stage) Run() error {
	gate, err := newHTTPxGate(s, s.config.Listen)
	if err != nil {
		s.poller.close()
		return err
	}
	s.gate = gate
	s.logger.Info("stage running", "listen", s.config.Listen, "backend", s.config.Backend)

	gateOpen := true
	for {
		if s.shutting.Load() {
			if gateOpen {
				gate.shut()
				gateOpen = false
			}
			if s.connCount() == 0 && !s.sched.pending() {
				break
			}
		}
		timeout := -1 * time.Millisecond
		if s.sched.pending() {
			timeout = 0
		} else if deadline, ok := s.sched.nextDeadline(); ok {
			timeout = time.Until(deadline)
			if timeout < 0 {
				timeout = 0
			}
		} else if s.shutting.Load() {
			timeout = 50 * time.Millisecond // re-check the drain condition
		}
		s.poller.wait(timeout)
		s.sched.fireTimers(time.Now())
		s.sched.runTasklets()
	}

	s.poller.close()
	close(s.stopped)
	s.logger.Info("stage stopped")
	return nil
}

// httpxGate is the frontend listener.
type httpxGate struct {
	stage *Stage
	fd    int
}

func newHTTPxGate(stage *Stage, address string) (*httpxGate, error) {
	sa, family, err := resolveSockaddr(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, 512); err != nil {
		unix.Close(fd)
		return nil, err
	}
	g := &httpxGate{stage: stage, fd: fd}
	if err := stage.poller.register(fd, g); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := stage.poller.arm(fd, true, false); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return g, nil
}

func (g *httpxGate) shut() {
	g.stage.poller.remove(g.fd)
	unix.Close(g.fd)
}

func (g *httpxGate) onReadable() {
	for {
		connFd, _, err := unix.Accept4(g.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				g.stage.logger.Warn("accept failed", "err", err)
			}
			return
		}
		unix.SetsockoptInt(connFd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		conn := getH1Conn(g.stage, connFd, false)
		if err := g.stage.poller.register(connFd, conn); err != nil {
			g.stage.logger.Warn("register failed", "fd", connFd, "err", err)
			unix.Close(connFd)
			putH1Conn(conn)
			continue
		}
		g.stage.trackConn(conn)
		conn.init()
	}
}
func (g *httpxGate) onWritable() {}
func (g *httpxGate) onHangup()   {}

// dialBackend starts a nonblocking connect to the configured upstream and
// returns the backend-side conn. The connect completes on write readiness.
func (s *Stage) dialBackend() (*h1Conn, error) {
	if s.config.Backend == "" {
		return nil, errors.New("no backend configured")
	}
	sa, family, err := resolveSockaddr(s.config.Backend)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	conn := getH1Conn(s, fd, true)
	if err == unix.EINPROGRESS {
		conn.flags |= h1cConnecting
	}
	if err := s.poller.register(fd, conn); err != nil {
		unix.Close(fd)
		putH1Conn(conn)
		return nil, err
	}
	s.trackConn(conn)
	conn.init()
	return conn, nil
}

// resolveSockaddr turns host:port into a unix.Sockaddr plus address family.
func resolveSockaddr(address string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, err
	}
	ip := tcpAddr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package drpc

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/xlog"
	"github.com/vosdb/vosengine/vos/errs"
)

// Handler serves one (module, method) pair: it receives the raw request
// body and returns the response body.
type Handler func(body []byte) ([]byte, error)

type methodKey struct {
	module int32
	method int32
}

// Server accepts local clients on a unix domain socket and dispatches
// frames to registered handlers. The registry and the pool-handle table
// are mutex-guarded: they are touched from the accept path, which runs
// outside the engine's cooperative scheduler (§5).
type Server struct {
	ln  net.Listener
	fab config.Fabric

	mu       sync.Mutex
	handlers map[methodKey]Handler
	pools    map[uint64]string // live handle -> pool uuid
	nextHdl  uint64
	exited   bool
}

// Listen binds path and returns a Server with the core §6 methods wired:
// GetAttachInfo answers from fab, the pool connect/disconnect/monitor trio
// maintains the handle table, NotifyExit marks the client side done, and
// SetupClientTelemetry acknowledges without attaching a sink.
func Listen(path string, fab config.Fabric) (*Server, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.New("drpc.Listen", errs.IO, err)
	}
	s := &Server{
		ln:       ln,
		fab:      fab,
		handlers: make(map[methodKey]Handler),
		pools:    make(map[uint64]string),
		nextHdl:  1,
	}
	s.Register(ModuleEngine, MethodGetAttachInfo, s.getAttachInfo)
	s.Register(ModuleEngine, MethodPoolConnect, s.poolConnect)
	s.Register(ModuleEngine, MethodPoolDisconnect, s.poolDisconnect)
	s.Register(ModuleEngine, MethodPoolMonitor, s.poolMonitor)
	s.Register(ModuleEngine, MethodNotifyExit, s.notifyExit)
	s.Register(ModuleEngine, MethodSetupClientTelemetry, s.setupTelemetry)
	return s, nil
}

// Register installs (or replaces) the handler for a (module, method) pair.
func (s *Server) Register(module, method int32, h Handler) {
	s.mu.Lock()
	s.handlers[methodKey{module, method}] = h
	s.mu.Unlock()
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

// Close shuts the listener down; in-flight connections finish their
// current frame.
func (s *Server) Close() error { return s.ln.Close() }

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			if err != io.EOF {
				xlog.Errorf("drpc: read: %v", err)
			}
			return
		}
		s.mu.Lock()
		h := s.handlers[methodKey{req.Module, req.Method}]
		s.mu.Unlock()

		var status int32
		var body []byte
		if h == nil {
			status = int32(errs.NotFound) + 1
		} else if body, err = h(req.Body); err != nil {
			status = statusOf(err)
			body = nil
		}
		if err := writeResponse(w, status, body); err != nil {
			xlog.Errorf("drpc: write: %v", err)
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) getAttachInfo([]byte) ([]byte, error) {
	return json.Marshal(GetAttachInfoResp{
		Interface:         s.fab.Interface,
		Domain:            s.fab.Domain,
		Provider:          s.fab.Provider,
		SecondaryProvider: s.fab.SecondaryProvider,
		SRX:               s.fab.SRX,
	})
}

func (s *Server) poolConnect(body []byte) ([]byte, error) {
	var req PoolConnectReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.New("drpc.PoolConnect", errs.InvalidArgument, err)
	}
	if _, err := uuid.Parse(req.UUID); err != nil {
		return nil, errs.New("drpc.PoolConnect", errs.InvalidArgument, err)
	}
	s.mu.Lock()
	hdl := s.nextHdl
	s.nextHdl++
	s.pools[hdl] = req.UUID
	s.mu.Unlock()
	return json.Marshal(PoolConnectResp{Handle: hdl})
}

func (s *Server) poolDisconnect(body []byte) ([]byte, error) {
	var req PoolDisconnectReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.New("drpc.PoolDisconnect", errs.InvalidArgument, err)
	}
	s.mu.Lock()
	_, ok := s.pools[req.Handle]
	delete(s.pools, req.Handle)
	s.mu.Unlock()
	if !ok {
		return nil, errs.New("drpc.PoolDisconnect", errs.NoHandle, nil)
	}
	return nil, nil
}

func (s *Server) poolMonitor(body []byte) ([]byte, error) {
	var req PoolMonitorReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.New("drpc.PoolMonitor", errs.InvalidArgument, err)
	}
	s.mu.Lock()
	connected := false
	for _, id := range s.pools {
		if id == req.UUID {
			connected = true
			break
		}
	}
	s.mu.Unlock()
	return json.Marshal(PoolMonitorResp{Connected: connected})
}

func (s *Server) notifyExit([]byte) ([]byte, error) {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	return nil, nil
}

func (s *Server) setupTelemetry(body []byte) ([]byte, error) {
	var req SetupClientTelemetryReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.New("drpc.SetupClientTelemetry", errs.InvalidArgument, err)
	}
	// telemetry sinks are an external collaborator; acknowledge the key
	// so compatible clients proceed without one attached.
	return nil, nil
}

// ClientExited reports whether a client sent NotifyExit.
func (s *Server) ClientExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"proxytun/internal/core"
)

// Handler serves one opcode. arg is the text trailing the opcode prefix for
// prefix-registered opcodes, "" otherwise. The returned value is plist-
// encoded as the response payload; a nil value produces an empty payload.
type Handler func(ctx context.Context, arg string, payload []byte) (any, error)

// Server accepts IPC connections from the app side and dispatches
// opcode-tagged requests to registered handlers.
type Server struct {
	mu       sync.Mutex
	exact    map[string]Handler
	prefixes map[string]Handler
	listener net.Listener
	codec    Codec
	log      *core.Logger
}

// NewServer creates a server with no handlers registered.
func NewServer(log *core.Logger) *Server {
	if log == nil {
		log = core.Log
	}
	return &Server{
		exact:    make(map[string]Handler),
		prefixes: make(map[string]Handler),
		log:      log,
	}
}

// Handle registers a handler for an exact opcode.
func (s *Server) Handle(opcode string, h Handler) {
	s.mu.Lock()
	s.exact[opcode] = h
	s.mu.Unlock()
}

// HandlePrefix registers a handler for opcodes beginning with prefix; the
// remainder of the opcode is passed as arg.
func (s *Server) HandlePrefix(prefix string, h Handler) {
	s.mu.Lock()
	s.prefixes[prefix] = h
	s.mu.Unlock()
}

// ListenAndServe opens the platform IPC endpoint and serves until Stop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := ipcListen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// Stop closes the listener. In-flight requests run to completion.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := s.codec.Decode(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.Warnf("IPC", "Dropping connection: %v", err)
			}
			return
		}
		resp := s.dispatch(ctx, req)
		frame, err := s.codec.Encode(resp)
		if err != nil {
			s.log.Errorf("IPC", "Encode response for %s: %v", req.Opcode, err)
			return
		}
		if _, err := conn.Write(frame); err != nil {
			s.log.Warnf("IPC", "Write response for %s: %v", req.Opcode, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	handler, arg, ok := s.lookup(req.Opcode)
	if !ok {
		s.log.Warnf("IPC", "Unknown opcode %q", req.Opcode)
		return Response{RequestID: req.RequestID, ErrorCode: "unknownOpcode"}
	}

	result, err := handler(ctx, arg, req.Payload)
	if err != nil {
		s.log.Errorf("IPC", "Opcode %q: %v", req.Opcode, err)
		return Response{RequestID: req.RequestID, ErrorCode: err.Error()}
	}
	if result == nil {
		return Response{RequestID: req.RequestID}
	}
	payload, err := marshalPayload(result)
	if err != nil {
		s.log.Errorf("IPC", "Encode payload for %q: %v", req.Opcode, err)
		return Response{RequestID: req.RequestID, ErrorCode: "encodeFailed"}
	}
	return Response{RequestID: req.RequestID, Payload: payload}
}

func (s *Server) lookup(opcode string) (Handler, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.exact[opcode]; ok {
		return h, "", true
	}
	for prefix, h := range s.prefixes {
		if strings.HasPrefix(opcode, prefix) {
			return h, strings.TrimPrefix(opcode, prefix), true
		}
	}
	return nil, "", false
}

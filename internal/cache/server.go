package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server exposes a Store over the JSON protocol.
type Server struct {
	store Store
	log   zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(store Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections until ctx is done or the listener fails.
// It closes l and every open connection before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("cache accept failed")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := enc.Encode(s.Handle(ctx, req)); err != nil {
			return
		}
	}
}

// Handle executes one request against the store.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	fail := func(err error) Response {
		s.log.Error().Err(err).Str("op", req.Op).Msg("cache op failed")
		return Response{OK: false, Error: err.Error()}
	}
	switch req.Op {
	case OpGet:
		v, ok, err := s.store.Get(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Found: ok, Value: v}
	case OpSet:
		if err := s.store.Set(ctx, req.Key, req.Value, ttl); err != nil {
			return fail(err)
		}
		return Response{OK: true}
	case OpMGet:
		vals, err := s.store.MGet(ctx, req.Keys)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Values: vals}
	case OpMSet:
		if err := s.store.MSet(ctx, req.Items, ttl); err != nil {
			return fail(err)
		}
		return Response{OK: true}
	case OpDelete:
		keys := req.Keys
		if len(keys) == 0 && req.Key != "" {
			keys = []string{req.Key}
		}
		n, err := s.store.Delete(ctx, keys...)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Count: n}
	case OpExists:
		ok, err := s.store.Exists(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Found: ok}
	case OpPing:
		if err := s.store.Ping(ctx); err != nil {
			return fail(err)
		}
		return Response{OK: true}
	default:
		return Response{OK: false, Error: "unknown op: " + req.Op}
	}
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"toolgate/pkg/auth"
	"toolgate/pkg/httpx"
	"toolgate/pkg/stream"
)

// streamDecisions feeds the caller's tenant decisions over a websocket.
func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(principal.Tenant, 64)
	defer s.Events.Unsubscribe(sub)
	if s.Metrics != nil {
		s.Metrics.StreamSubscribers.Inc()
		defer s.Metrics.StreamSubscribers.Dec()
	}

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", principal.Tenant, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

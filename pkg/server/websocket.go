package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/ocode"
)

// pongWait/writeWait/pingPeriod are the standard gorilla/websocket
// keepalive trio from the library's own documented chat example: the
// server pings on pingPeriod, the peer has pongWait to answer, and any
// single write has writeWait to complete.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin is permissive by default, matching spec §6's treatment of
	// /ws as an alternate transport for the same trusted client population
	// the HTTP routes already serve; a reverse proxy in front of Only1MCP
	// is expected to enforce origin policy if one is needed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsRouter mounts the single GET /ws upgrade endpoint (spec §6).
func (s *Server) wsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleWebSocket)
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get().Warnw("ws: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.wsPingLoop(conn, done)
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		doc, perr := jsonrpc.ParseDocument(raw)
		if perr != nil {
			s.wsWriteError(conn, perr)
			continue
		}

		responses := s.h.HandleDocument(r.Context(), doc)
		encoded, eerr := jsonrpc.EncodeResponses(doc.Batch, responses)
		if eerr != nil || encoded == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
			return
		}
	}
}

func (s *Server) wsPingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsWriteError(conn *websocket.Conn, cause error) {
	resp := jsonrpc.NewErrorResponse(jsonrpc.NewID(nil), jsonrpc.NewError(ocode.ParseError, cause.Error()))
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, body)
}

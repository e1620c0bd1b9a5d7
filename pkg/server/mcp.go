package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/ocode"
)

// mcpRouter handles every JSON-RPC document route spec §6 lists: "/",
// "/mcp", and the "/tools/*", "/resources/*", "/prompts/*" aliases all
// parse the same document shape and hand it to the same Handler — the
// path segment carries no routing meaning of its own, matching spec §6's
// "JSON-RPC document in, JSON-RPC document out" for every one of them.
func (s *Server) mcpRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handleDocument)
	r.Post("/*", s.handleDocument)
	return r
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeParseError(w)
		return
	}

	doc, err := jsonrpc.ParseDocument(body)
	if err != nil {
		writeEnvelopeError(w, err)
		return
	}

	responses := s.h.HandleDocument(r.Context(), doc)
	encoded, err := jsonrpc.EncodeResponses(doc.Batch, responses)
	if err != nil {
		writeParseError(w)
		return
	}
	if encoded == nil {
		// Every request in the document was a notification; nothing to
		// echo back but the call still succeeded.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(encoded)
}

// writeParseError and writeEnvelopeError keep every failure path inside a
// well-formed JSON-RPC error envelope (spec §7: "no request returns a
// transport-level HTTP 500 unless the handler itself crashed").
func writeParseError(w http.ResponseWriter) {
	resp := jsonrpc.NewErrorResponse(jsonrpc.NewID(nil), jsonrpc.NewError(ocode.ParseError, ""))
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func writeEnvelopeError(w http.ResponseWriter, err error) {
	code := ocode.ParseError
	if errors.Is(err, ocode.ErrValidation) {
		code = ocode.InvalidRequest
	}
	resp := jsonrpc.NewErrorResponse(jsonrpc.NewID(nil), jsonrpc.NewError(code, err.Error()))
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Package web exposes the relationship graph and sync activity over HTTP:
// JSON snapshots of contacts and edges, plus Server-Sent Events for live
// updates while the watcher runs.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/solvberg/kinsync/pkg/engine"
	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/pubsub"
)

// Contact is the JSON shape of one graph contact.
type Contact struct {
	Ref         string `json:"ref"`
	DisplayName string `json:"displayName"`
	Gender      string `json:"gender,omitempty"`
	Doc         string `json:"doc,omitempty"`
	Placeholder bool   `json:"placeholder"`
}

// Edge is the JSON shape of one typed relationship.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// GraphData holds the full graph snapshot for the UI.
type GraphData struct {
	Contacts []Contact `json:"contacts"`
	Edges    []Edge    `json:"edges"`
}

// Server serves the read-only HTTP API over a running engine.
type Server struct {
	router    *mux.Router
	engine    *engine.Engine
	publisher pubsub.Publisher
}

// NewServer creates a server over an engine and the bus it publishes to.
func NewServer(e *engine.Engine, pub pubsub.Publisher) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    e,
		publisher: pub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")
	s.router.HandleFunc("/api/graph", s.handleGraph).Methods("GET")
	s.router.HandleFunc("/api/contacts", s.handleContacts).Methods("GET")
	s.router.HandleFunc("/api/contacts/{ref}", s.handleContact).Methods("GET")
	s.router.HandleFunc("/api/missing", s.handleMissing).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Start runs the server until the listener fails.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logging.Info("starting web server", "url", "http://localhost"+addr)
	return http.ListenAndServe(addr, s.router)
}

// Router returns the configured router, mostly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	data := GraphData{
		Contacts: contactsJSON(s.engine.Contacts()),
		Edges:    edgesJSON(s.engine.Edges()),
	}
	writeJSON(w, data)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, contactsJSON(s.engine.Contacts()))
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	ref, err := graph.ParseRef(mux.Vars(r)["ref"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	node, ok := s.engine.Resolve(ref)
	if !ok {
		http.Error(w, "unknown contact", http.StatusNotFound)
		return
	}
	writeJSON(w, struct {
		Contact Contact `json:"contact"`
		Edges   []Edge  `json:"edges"`
	}{
		Contact: contactJSON(&node),
		Edges:   edgesJSON(s.engine.EdgesFrom(ref)),
	})
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, edgesJSON(s.engine.FindMissingReciprocals()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	contacts, edges := s.engine.Stats()
	writeJSON(w, map[string]any{
		"status":   "ok",
		"contacts": contacts,
		"edges":    edges,
	})
}

// handleSubscribe streams one topic's events as Server-Sent Events until the
// client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	switch topic {
	case pubsub.TopicSyncStatus, pubsub.TopicGraph, pubsub.TopicIssues:
	default:
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	if s.publisher == nil {
		http.Error(w, "event bus not running", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Initial comment establishes the connection (Safari compatibility).
	fmt.Fprintf(w, ": connected\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.Debug("SSE client gone", "topic", topic, "error", err)
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

func contactJSON(n *graph.ContactNode) Contact {
	return Contact{
		Ref:         n.Ref.String(),
		DisplayName: n.DisplayName,
		Gender:      n.Gender.String(),
		Doc:         n.Doc,
		Placeholder: n.Ref.IsPlaceholder(),
	}
}

func contactsJSON(nodes []*graph.ContactNode) []Contact {
	out := make([]Contact, len(nodes))
	for i, n := range nodes {
		out[i] = contactJSON(n)
	}
	return out
}

func edgesJSON(edges []graph.Edge) []Edge {
	out := make([]Edge, len(edges))
	for i, e := range edges {
		out[i] = Edge{
			Source: e.Source.String(),
			Target: e.Target.String(),
			Type:   string(e.Type),
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

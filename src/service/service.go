package service

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/monas/monas-state-node/src/assignment"
	"github.com/monas/monas-state-node/src/contentsync"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/node"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/sirupsen/logrus"
)

// MaxContentSize bounds request bodies carrying content.
const MaxContentSize = 16 << 20

// Node is the part of the state node exposed over HTTP. *node.Node
// implements it.
type Node interface {
	ID() string
	GetStats() map[string]string
	GetInfo() (node.Info, error)
	RegisterNode(ctx context.Context, capacity uint64) (registry.NodeSnapshot, error)
	ListNodes() ([]registry.NodeSnapshot, error)
	ListNetworks() ([]directory.ContentNetwork, error)
	GetContent(contentID string) ([]byte, error)
	GetHistory(contentID string) ([]string, error)
	GetVersion(contentID, versionID string) ([]byte, error)
	ListContents() ([]string, error)
	CreateContent(ctx context.Context, data []byte) (*events.ContentCreated, error)
	UpdateContent(ctx context.Context, contentID string, data []byte) (*events.ContentUpdated, error)
	RequestAssignment(ctx context.Context) (assignment.AssignmentResponse, error)
	SyncContent(ctx context.Context, contentID string) (contentsync.SyncResult, error)
}

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        Node
	mux         *http.ServeMux
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		mux:         http.NewServeMux(),
		logger:      logger.WithField("component", "service"),
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers on the service's own mux, so
// that several nodes can run in the same process.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/health", s.makeHandler(http.MethodGet, s.Health))
	s.mux.HandleFunc("/stats", s.makeHandler(http.MethodGet, s.GetStats))
	s.mux.HandleFunc("/node/info", s.makeHandler(http.MethodGet, s.GetInfo))
	s.mux.HandleFunc("/node/register", s.makeHandler(http.MethodPost, s.RegisterNode))
	s.mux.HandleFunc("/nodes", s.makeHandler(http.MethodGet, s.GetNodes))
	s.mux.HandleFunc("/networks", s.makeHandler(http.MethodGet, s.GetNetworks))
	s.mux.HandleFunc("/contents", s.makeHandler(http.MethodGet, s.ListContents))
	s.mux.HandleFunc("/content", s.makeHandler(http.MethodPost, s.CreateContent))
	s.mux.HandleFunc("/content/", s.routeContent)
	s.mux.HandleFunc("/assign", s.makeHandler(http.MethodPost, s.RequestAssignment))
	s.mux.HandleFunc("/sync/", s.makeHandler(http.MethodPost, s.SyncContent))
}

func (s *Service) makeHandler(method string, fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		fn(w, r)
	}
}

// routeContent dispatches /content/{id}, /content/{id}/history and
// /content/{id}/version/{version}.
func (s *Service) routeContent(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/history") {
		s.makeHandler(http.MethodGet, s.GetHistory)(w, r)
		return
	}
	if strings.Contains(r.URL.Path, "/version/") {
		s.makeHandler(http.MethodGet, s.GetVersion)(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.makeHandler(http.MethodPut, s.UpdateContent)(w, r)
	default:
		s.makeHandler(http.MethodGet, s.GetContent)(w, r)
	}
}

// Handler returns the API handler, for callers that serve it themselves.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.Lock()
	s.server = &http.Server{
		Addr:    s.bindAddress,
		Handler: s.mux,
	}
	server := s.server
	s.Unlock()

	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Shutdown stops a server started with Serve.
func (s *Service) Shutdown() {
	s.Lock()
	server := s.server
	s.Unlock()

	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Shutdown")
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.GetStats())
}

// Health reports that the service is up.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.node.ID(),
	})
}

// GetInfo ...
func (s *Service) GetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.node.GetInfo()
	if err != nil {
		s.writeError(w, err, "Retrieving node info")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// RegisterRequest is the body of /node/register.
type RegisterRequest struct {
	TotalCapacity uint64 `json:"total_capacity"`
}

// RegisterNode announces the local node with the capacity in the request.
func (s *Service) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.node.RegisterNode(r.Context(), req.TotalCapacity)
	if err != nil {
		s.writeError(w, err, "Registering node")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// GetNodes ...
func (s *Service) GetNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.node.ListNodes()
	if err != nil {
		s.writeError(w, err, "Listing nodes")
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// GetNetworks ...
func (s *Service) GetNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.node.ListNetworks()
	if err != nil {
		s.writeError(w, err, "Listing networks")
		return
	}
	s.writeJSON(w, http.StatusOK, networks)
}

// GetContent writes the latest version of a content item as raw bytes.
func (s *Service) GetContent(w http.ResponseWriter, r *http.Request) {
	id := contentID(r.URL.Path, "/content/")

	data, err := s.node.GetContent(id)
	if err != nil {
		s.writeError(w, err, "Retrieving content")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// GetHistory ...
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := contentID(strings.TrimSuffix(r.URL.Path, "/history"), "/content/")

	history, err := s.node.GetHistory(id)
	if err != nil {
		s.writeError(w, err, "Retrieving history")
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

// GetVersion writes one version of a content item as raw bytes.
func (s *Service) GetVersion(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/content/"), "/version/", 2)
	for i := range parts {
		parts[i] = strings.Trim(parts[i], "/")
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "malformed version path", http.StatusBadRequest)
		return
	}

	data, err := s.node.GetVersion(parts[0], parts[1])
	if err != nil {
		s.writeError(w, err, "Retrieving version")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// ListContents ...
func (s *Service) ListContents(w http.ResponseWriter, r *http.Request) {
	ids, err := s.node.ListContents()
	if err != nil {
		s.writeError(w, err, "Listing contents")
		return
	}
	s.writeJSON(w, http.StatusOK, ids)
}

// CreateContent stores the request body as a new content item.
func (s *Service) CreateContent(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ev, err := s.node.CreateContent(r.Context(), data)
	if err != nil {
		s.writeError(w, err, "Creating content")
		return
	}

	s.writeJSON(w, http.StatusCreated, ev)
}

// UpdateContent stores the request body as a new version of a content item.
func (s *Service) UpdateContent(w http.ResponseWriter, r *http.Request) {
	id := contentID(r.URL.Path, "/content/")

	data, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ev, err := s.node.UpdateContent(r.Context(), id, data)
	if err != nil {
		s.writeError(w, err, "Updating content")
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

// RequestAssignment ...
func (s *Service) RequestAssignment(w http.ResponseWriter, r *http.Request) {
	resp, err := s.node.RequestAssignment(r.Context())
	if err != nil {
		s.writeError(w, err, "Requesting assignment")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// SyncContent ...
func (s *Service) SyncContent(w http.ResponseWriter, r *http.Request) {
	id := contentID(r.URL.Path, "/sync/")

	res, err := s.node.SyncContent(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "Syncing content")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func contentID(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return ioutil.ReadAll(http.MaxBytesReader(w, r.Body, MaxContentSize))
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Encoding response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, node.ErrUnknownContent):
		status = http.StatusNotFound
	case errors.Is(err, node.ErrNotMember):
		status = http.StatusForbidden
	case errors.Is(err, node.ErrNotRegistered):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error(msg)
	} else {
		s.logger.WithError(err).Debug(msg)
	}

	http.Error(w, err.Error(), status)
}

package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"downpour/internal/domain"
	"downpour/internal/usecase"
)

// Server is the status/control API over the download engine: add and halt
// downloads, inspect live state, read history, stream progress over
// websocket.
type Server struct {
	logger    *slog.Logger
	downloads *usecase.Downloads
	hub       *wsHub
	handler   http.Handler
}

func NewServer(logger *slog.Logger, downloads *usecase.Downloads) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		downloads: downloads,
		hub:       newWSHub(logger),
	}
	go s.hub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/downloads", s.handleListDownloads)
	mux.HandleFunc("POST /api/downloads", s.handleAddDownload)
	mux.HandleFunc("GET /api/downloads/{id}", s.handleGetDownload)
	mux.HandleFunc("POST /api/downloads/{id}/halt", s.handleHaltDownload)
	mux.HandleFunc("POST /api/torrents", s.handleAddTorrent)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	s.handler = corsMiddleware(loggingMiddleware(logger, otelhttp.NewHandler(mux, "downpour-api")))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub exposes the websocket broadcaster for the stats publisher loop.
func (s *Server) Hub() usecase.Broadcaster { return s.hub }

// Close disconnects websocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.downloads.List())
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	state, err := s.downloads.Get(r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type addDownloadBody struct {
	URIs        []string `json:"uris"`
	TotalLength int64    `json:"totalLength"`
	PieceLength int64    `json:"pieceLength"`
	FileName    string   `json:"fileName"`
	InMemory    bool     `json:"inMemory"`
}

func (s *Server) handleAddDownload(w http.ResponseWriter, r *http.Request) {
	var body addDownloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.downloads.Add(usecase.AddDownloadRequest{
		URIs:        body.URIs,
		TotalLength: body.TotalLength,
		PieceLength: body.PieceLength,
		FileName:    body.FileName,
		InMemory:    body.InMemory,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type addTorrentBody struct {
	InfoHash    string `json:"infoHash"`
	AnnounceURL string `json:"announceUrl"`
	TotalLength int64  `json:"totalLength"`
	PieceLength int64  `json:"pieceLength"`
	FileName    string `json:"fileName"`
	ListenPort  int    `json:"listenPort"`
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	var body addTorrentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.downloads.AddTorrent(usecase.AddTorrentRequest{
		InfoHashHex: strings.ToLower(body.InfoHash),
		AnnounceURL: body.AnnounceURL,
		TotalLength: body.TotalLength,
		PieceLength: body.PieceLength,
		FileName:    body.FileName,
		ListenPort:  body.ListenPort,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleHaltDownload(w http.ResponseWriter, r *http.Request) {
	err := s.downloads.Halt(r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "halting"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	results, err := s.downloads.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if results == nil {
		results = []domain.DownloadResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

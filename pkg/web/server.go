package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/satlink/pkg/image"
	"github.com/norasector/satlink/pkg/output"
	"github.com/norasector/satlink/pkg/session"
	"github.com/rs/zerolog"
)

const maxCommandBody = 4096

// Controller is the part of a session the API drives.
type Controller interface {
	SendCommand(ctx context.Context, cmd string) error
	RequestRetransmit(ctx context.Context, total int) ([]string, error)
	Receptions(ctx context.Context) ([]image.Status, error)
	DiscardReception(ctx context.Context, total int) error
}

type ArtifactIndex interface {
	List() []output.StoredArtifact
	Path(name string, compressed bool) (string, error)
}

type OrientationSource interface {
	Last() (output.Orientation, bool)
}

type Server struct {
	srv         *http.Server
	ctrl        Controller
	artifacts   ArtifactIndex
	orientation OrientationSource
	logger      zerolog.Logger
}

type Option func(s *Server)

func WithOrientation(o OrientationSource) Option {
	return func(s *Server) {
		s.orientation = o
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(port int, ctrl Controller, artifacts ArtifactIndex, opts ...Option) *Server {
	s := &Server{
		srv:       &http.Server{Addr: fmt.Sprintf(":%d", port)},
		ctrl:      ctrl,
		artifacts: artifacts,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()
	handler.GET("/images", s.listImages)
	handler.GET("/images/:name", s.getImage)
	handler.GET("/receptions", s.listReceptions)
	handler.DELETE("/receptions/:total", s.deleteReception)
	handler.GET("/orientation", s.getOrientation)
	handler.POST("/command", s.postCommand)
	handler.POST("/retransmit/:total", s.postRetransmit)
	return handler
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.srv.Shutdown(context.Background())
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server starting")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.artifacts.List())
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	compressed := r.URL.Query().Get("format") == "gz"

	path, err := s.artifacts.Path(name, compressed)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		w.Header().Set("Content-Type", "application/gzip")
	case strings.EqualFold(filepath.Ext(path), ".png"):
		w.Header().Set("Content-Type", "image/png")
	default:
		w.Header().Set("Content-Type", "image/jpeg")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) listReceptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	statuses, err := s.ctrl.Receptions(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) deleteReception(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	total, ok := chunkCount(w, params)
	if !ok {
		return
	}

	err := s.ctrl.DiscardReception(r.Context(), total)
	switch {
	case errors.Is(err, session.ErrUnknownReception):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Info().Int("total", total).Msg("reception discarded")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOrientation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.orientation == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	last, ok := s.orientation.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd := strings.TrimSpace(string(body))
	if cmd == "" {
		writeError(w, http.StatusBadRequest, errors.New("empty command"))
		return
	}

	if err := s.ctrl.SendCommand(r.Context(), cmd); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.logger.Info().Str("command", cmd).Msg("operator command sent")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postRetransmit(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	total, ok := chunkCount(w, params)
	if !ok {
		return
	}

	cmds, err := s.ctrl.RequestRetransmit(r.Context(), total)
	switch {
	case errors.Is(err, session.ErrUnknownReception):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"commands": cmds})
}

func chunkCount(w http.ResponseWriter, params httprouter.Params) (int, bool) {
	total, err := strconv.Atoi(params.ByName("total"))
	if err != nil || total <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk count %q", params.ByName("total")))
		return 0, false
	}
	return total, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

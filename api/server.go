package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/messages"
)

const (
	basePath        = "/api/1"
	shutdownTimeout = 5 * time.Second
)

// RequestLister provides the stored monitor requests. Satisfied by
// guard.MonitoringService.
type RequestLister interface {
	MonitorRequests() ([]*messages.MonitorRequest, error)
}

// EventSink accepts raw log entries for dispatch. Satisfied by
// chain.EventMonitor.
type EventSink interface {
	HandleLog(lg types.Log) error
}

// Server exposes the control plane: a read-only listing of stored monitor
// requests and an inbound endpoint feeding raw chain events into the event
// monitor's dispatch path.
type Server struct {
	service RequestLister
	monitor EventSink
	http    *http.Server
	logger  tmlog.Logger
}

func NewServer(addr string, service RequestLister, monitor EventSink, logger tmlog.Logger) *Server {
	s := &Server{
		service: service,
		monitor: monitor,
		logger:  logger,
	}
	router := mux.NewRouter()
	router.HandleFunc(basePath+"/monitor_requests", s.handleMonitorRequests).Methods(http.MethodGet)
	router.HandleFunc(basePath+"/events", s.handleEvent).Methods(http.MethodPut)
	s.http = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API; run in a goroutine.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully, letting in-flight requests finish
// within the shutdown timeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleMonitorRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := s.service.MonitorRequests()
	if err != nil {
		s.logger.Error(fmt.Sprintf("list monitor requests: %s", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(requests); err != nil {
		s.logger.Error(fmt.Sprintf("encode monitor requests: %s", err.Error()))
	}
}

// handleEvent accepts a raw log entry and hands it to the event monitor,
// an alternate event-delivery path alongside polling.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var lg types.Log
	if err := json.NewDecoder(r.Body).Decode(&lg); err != nil {
		http.Error(w, fmt.Sprintf("decode event: %s", err.Error()), http.StatusBadRequest)
		return
	}
	if err := s.monitor.HandleLog(lg); err != nil {
		http.Error(w, fmt.Sprintf("handle event: %s", err.Error()), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

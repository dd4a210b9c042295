package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/records"
	"loom/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon
	svc    *api.PipelineService

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logger,
		daemon: d,
		svc:    api.NewPipelineService(d.store),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(srv.token, srv.handleStatus))
	mux.HandleFunc("/api/balance", authMiddleware(srv.token, srv.handleBalance))
	mux.HandleFunc("/api/pipelines", authMiddleware(srv.token, srv.handlePipelines))
	mux.HandleFunc("/api/pipelines/", authMiddleware(srv.token, srv.handlePipelinePath))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	payload := api.DaemonStatus{
		Running:       status.Running,
		RecordDBPath:  status.RecordDBPath,
		LockFilePath:  status.LockFilePath,
		AccountID:     status.AccountID,
		CreditBalance: status.Balance,
		BalanceKnown:  status.BalanceKnown,
		StageStats:    api.MergeStageStats(status.StageStats),
	}
	for _, rec := range status.StaleStages {
		payload.StaleStages = append(payload.StaleStages, s.staleView(r.Context(), rec))
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) staleView(ctx context.Context, rec *records.StageRecord) api.StageView {
	view, err := s.svc.DescribeStage(ctx, rec.PipelineID, rec.StageKey)
	if err != nil || view == nil {
		return api.FromStageRecord(rec, pipeline.Graph{}, nil, nil)
	}
	return *view
}

func (s *apiServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		balance, err := s.daemon.Balance(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.BalanceResponse{
			AccountID: s.daemon.cfg.Backend.AccountID,
			Balance:   balance,
		})
	case http.MethodPut:
		var req api.BalanceResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid balance payload")
			return
		}
		if err := s.daemon.SetBalance(r.Context(), req.Balance); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.BalanceResponse{
			AccountID: s.daemon.cfg.Backend.AccountID,
			Balance:   req.Balance,
		})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handlePipelines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.svc.List(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.PipelineListResponse{Pipelines: views})
	case http.MethodPost:
		var req api.CreatePipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid pipeline payload")
			return
		}
		kind, title, stageKeys, err := api.ParseCreateRequest(req)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, err := s.daemon.CreatePipeline(r.Context(), kind, title, req.StrictFraming, stageKeys)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		view, err := s.svc.Describe(r.Context(), p.ID)
		if err != nil || view == nil {
			s.writeError(w, http.StatusInternalServerError, "pipeline created but not readable")
			return
		}
		s.writeJSON(w, http.StatusCreated, api.PipelineResponse{Pipeline: *view})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePipelinePath routes /api/pipelines/{id}, /api/pipelines/{id}/stages/{key},
// and /api/pipelines/{id}/stages/{key}/command.
func (s *apiServer) handlePipelinePath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pipelines/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handlePipeline(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "stages":
		s.handleStage(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "stages" && parts[3] == "command":
		s.handleStageCommand(w, r, parts[0], parts[2])
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handlePipeline(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.svc.Describe(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if view == nil {
			s.writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		s.writeJSON(w, http.StatusOK, api.PipelineResponse{Pipeline: *view})
	case http.MethodDelete:
		if err := s.daemon.RemovePipeline(r.Context(), id); err != nil {
			if errors.Is(err, records.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "pipeline not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleStage(w http.ResponseWriter, r *http.Request, pipelineID, rawKey string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key, ok := records.ParseStageKey(rawKey)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown stage key")
		return
	}
	view, err := s.svc.DescribeStage(r.Context(), pipelineID, key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		s.writeError(w, http.StatusNotFound, "stage not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StageResponse{Stage: *view})
}

func (s *apiServer) handleStageCommand(w http.ResponseWriter, r *http.Request, pipelineID, rawKey string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key, ok := records.ParseStageKey(rawKey)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown stage key")
		return
	}
	var req api.StageCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command payload")
		return
	}

	ctx := services.WithPipelineID(r.Context(), pipelineID)
	ctx = services.WithStageKey(ctx, string(key))
	ctx = services.WithRequestID(ctx, uuid.NewString())
	log := logging.WithContext(ctx, s.log())

	if strings.EqualFold(req.Command, "close") {
		if err := s.daemon.CloseStage(ctx, pipelineID, key); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.StageCommandResponse{Accepted: true})
		return
	}

	ctl, err := s.daemon.OpenStage(ctx, pipelineID, key)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	command := strings.ToLower(strings.TrimSpace(req.Command))
	switch command {
	case "open":
		err = nil
	case "edit":
		if req.Edit == nil {
			s.writeError(w, http.StatusBadRequest, "edit command requires draft fields")
			return
		}
		err = ctl.Edit(ctx, func(d *records.StageDraft) {
			api.ApplyStageEdit(d, *req.Edit)
		})
	case "generate":
		err = ctl.Generate(ctx)
	case "regenerate":
		err = ctl.Regenerate(ctx)
	case "refine":
		err = ctl.Refine(ctx)
	case "upload":
		err = ctl.Upload(ctx, strings.TrimSpace(req.URL))
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		return
	}
	if err != nil {
		log.Warn("stage command refused",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
	} else {
		log.Info("stage command accepted", slog.String("command", command))
	}

	resp := api.StageCommandResponse{Accepted: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	if view, viewErr := s.svc.DescribeStage(ctx, pipelineID, key); viewErr == nil && view != nil {
		resp.Stage = *view
	}
	if err != nil {
		s.writeJSON(w, commandStatusCode(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func commandStatusCode(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrDispatchRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, records.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "stage not found")
		return
	}
	s.writeError(w, commandStatusCode(err), err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}

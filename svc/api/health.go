package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/SnarkyB/delerium-server/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Ready reports degraded rather than down when Redis is unreachable; the
// limiter falls back to local buckets, so only the database is load
// bearing.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Degraded: false,
		Database: "up",
		Redis:    "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Degraded = true
		resp.Ready = false
	}
	if s.rdb != nil {
		redisCtx, redisCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer redisCancel()
		if err := s.rdb.Ping(redisCtx); err != nil {
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Redis = "down"
			resp.Degraded = true
		}
	} else {
		resp.Redis = "unconfigured"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

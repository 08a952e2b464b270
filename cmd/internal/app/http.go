package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ripple/cmd/internal/history"
	"ripple/cmd/internal/realtime"
	v1 "ripple/shared/contracts/chat/v1"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.WSGateway,
	hist *history.Service,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		limit, before, err := parseHistoryQuery(r.URL.Query().Get("limit"), r.URL.Query().Get("before"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		page, err := hist.GetHistory(r.Context(), limit, before)
		if err != nil {
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, historyResponse(page))
	})

	mux.HandleFunc("/ws", ws.HandleWS)
}

// parseHistoryQuery validates pagination params. The before cursor is a
// snowflake and must be parsed as int64; anything that routes it through a
// float corrupts ids above 2^53.
func parseHistoryQuery(rawLimit, rawBefore string) (limit int, before *int64, err error) {
	if s := strings.TrimSpace(rawLimit); s != "" {
		n, perr := strconv.Atoi(s)
		if perr != nil || n <= 0 {
			return 0, nil, errors.New("invalid limit")
		}
		limit = n
	}

	if s := strings.TrimSpace(rawBefore); s != "" {
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil || n <= 0 {
			return 0, nil, errors.New("invalid before cursor")
		}
		before = &n
	}

	return limit, before, nil
}

func historyResponse(page history.Page) v1.HistoryResponse {
	msgs := make([]v1.HistoryMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, v1.HistoryMessage{
			ID:        m.ID,
			UserID:    m.UserID,
			Username:  m.Username,
			Content:   m.Content,
			Snowflake: m.Snowflake,
			CreatedAt: m.CreatedAt,
		})
	}
	return v1.HistoryResponse{Messages: msgs, HasMore: page.HasMore}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

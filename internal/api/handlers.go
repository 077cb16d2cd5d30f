package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/auth"
	"github.com/EPguitars/proxycare/internal/model"
)

// Refresher rebuilds the warm cache and pools from the store.
type Refresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// Pools is the pool surface the control handlers touch.
type Pools interface {
	Push(source string, rec model.ProxyRecord) bool
	Len(source string) int
	Sizes() map[string]int
}

// Index registers manually added records for proxy_taken resolution.
type Index interface {
	Put(rec model.ProxyRecord)
}

// Broadcaster fans a frame out to every session under a subscription key.
type Broadcaster interface {
	Broadcast(key string, msg any)
}

// ReportLister reads stored usage reports.
type ReportLister interface {
	ListReports(ctx context.Context, proxyID int64) ([]model.Report, error)
}

// TokenIssuer exchanges credentials for an access token.
type TokenIssuer interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// HandleHealth returns a handler for GET /health.
// No authentication is required.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// HandleRefresh returns a handler for GET /proxies/refresh. It rebuilds the
// cache and every pool from the store.
func HandleRefresh(refresher Refresher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools, err := refresher.RefreshAll(r.Context())
		if err != nil {
			logger.Error("manual refresh failed", zap.Error(err))
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "could not reload pools")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"message": "Proxy pools refreshed",
			"pools":   pools,
		})
	}
}

// HandleAddProxy returns a handler for POST /proxies/pools/{source_id}/add.
// The record lands at the tail of the pool and every client streaming that
// source gets a pool_updated notice.
func HandleAddProxy(pools Pools, index Index, broadcaster Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID := r.PathValue("source_id")
		var rec model.ProxyRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_body", "body must be a proxy record")
			return
		}
		if rec.SourceID == 0 {
			if sid, err := strconv.ParseInt(sourceID, 10, 64); err == nil {
				rec.SourceID = sid
			}
		}

		pools.Push(sourceID, rec)
		index.Put(rec)
		size := pools.Len(sourceID)

		broadcaster.Broadcast(sourceID, map[string]any{
			"action": "pool_updated",
			"count":  size,
		})

		WriteJSON(w, http.StatusOK, map[string]any{
			"message":   fmt.Sprintf("Proxy added to pool %s", sourceID),
			"pool_size": size,
		})
	}
}

// HandleDebugPools returns a handler for GET /debug/pools.
func HandleDebugPools(pools Pools) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sizes := pools.Sizes()
		keys := make([]string, 0, len(sizes))
		for key := range sizes {
			keys = append(keys, key)
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"pools":     sizes,
			"pool_keys": keys,
		})
	}
}

type reportEntry struct {
	ID         int64 `json:"id"`
	StatusCode int   `json:"status_code"`
}

// HandleListReports returns a handler for GET /proxies/{id}/reports.
func HandleListReports(reports ReportLister, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxyID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_id", "proxy id must be an integer")
			return
		}
		rows, err := reports.ListReports(r.Context(), proxyID)
		if err != nil {
			logger.Error("list reports failed", zap.Int64("proxy_id", proxyID), zap.Error(err))
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "could not read reports")
			return
		}
		out := make([]reportEntry, 0, len(rows))
		for _, row := range rows {
			out = append(out, reportEntry{ID: row.ID, StatusCode: row.StatusCode})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"proxy_id": proxyID,
			"reports":  out,
		})
	}
}

// HandleToken returns a handler for POST /token (form fields username and
// password, as an OAuth2 password grant would send them).
func HandleToken(issuer TokenIssuer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_form", "could not parse form body")
			return
		}
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")

		token, err := issuer.Login(r.Context(), username, password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Incorrect username or password")
				return
			}
			logger.Error("login failed", zap.String("username", username), zap.Error(err))
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "could not issue token")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"access_token": token,
			"token_type":   "bearer",
		})
	}
}

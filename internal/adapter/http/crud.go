package http

import (
	"context"
	"net/http"
)

// ---------------------------------------------------------------------------
// Generic tenant-scoped handler factories
// ---------------------------------------------------------------------------

// handleList creates a handler that lists resources and returns JSON.
func handleList[T any](listFn func(ctx context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := listFn(r.Context())
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleTenantList creates a handler that lists resources belonging to the
// tenant named by URL param "id".
func handleTenantList[T any](listFn func(ctx context.Context, r *http.Request, id int64) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenantID(w, r)
		if !ok {
			return
		}
		items, err := listFn(r.Context(), r, id)
		if err != nil {
			writeDomainError(w, r, err, "tenant not found")
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleTenantGet creates a handler that retrieves one resource for the
// tenant named by URL param "id".
func handleTenantGet[T any](getFn func(ctx context.Context, id int64) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenantID(w, r)
		if !ok {
			return
		}
		item, err := getFn(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err, "tenant not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleTenantAction creates a handler that decodes a JSON body and applies
// it to the tenant named by URL param "id", answering with status.
func handleTenantAction[Req any, Res any](bodyLimit int64, status int, fn func(ctx context.Context, id int64, req *Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenantID(w, r)
		if !ok {
			return
		}
		req, ok := readJSON[Req](w, r, bodyLimit)
		if !ok {
			return
		}
		res, err := fn(r.Context(), id, &req)
		if err != nil {
			writeDomainError(w, r, err, "tenant not found")
			return
		}
		writeJSON(w, status, res)
	}
}

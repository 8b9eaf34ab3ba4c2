// Package response renders the control plane's JSON bodies: plain
// payloads, the uniform {"error": ...} envelope, and cursor-bounded list
// pages.
package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteError renders the failure envelope every endpoint shares.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, errorBody{Error: message})
}

// Page is one cursor-bounded slice of a listing. NextCursor is the id of
// the last item on the page; a client passes it back verbatim to continue.
type Page struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// WritePaginated renders one page of a node, group, job, or deployment
// listing.
func WritePaginated(w http.ResponseWriter, status int, items any, nextCursor string, hasMore bool) {
	WriteJSON(w, status, Page{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}

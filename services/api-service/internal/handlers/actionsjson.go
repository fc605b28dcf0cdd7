package handlers

import "net/http"

type actionsJSON struct {
	Rules []actionRule `json:"rules"`
}

type actionRule struct {
	PathPattern string `json:"pathPattern"`
	APIPath     string `json:"apiPath"`
}

// ActionsJSON serves the wallet discovery document at /actions.json: it tells
// wallets which paths resolve to action endpoints so shared meeting links
// unfurl into the booking action. OPTIONS must succeed for cross-origin
// preflight.
func (h *Handler) ActionsJSON(w http.ResponseWriter, r *http.Request) {
	h.setActionHeaders(w)

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, actionsJSON{
			Rules: []actionRule{
				// Shared meeting links at the root resolve to the booking action.
				{PathPattern: "/*", APIPath: "/api/v1/actions/*"},
				// Idempotent fallback for direct action URLs.
				{PathPattern: "/api/v1/actions/**", APIPath: "/api/v1/actions/**"},
			},
		})
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
	"github.com/shopspring/decimal"
)

type createMeetingRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	DurationMins  int    `json:"duration_mins"`
	PriceSOL      string `json:"price_sol"`
	CreatorWallet string `json:"creator_wallet"`
}

type meetingItem struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	DurationMins  int    `json:"duration_mins"`
	PriceSOL      string `json:"price_sol"`
	CreatorWallet string `json:"creator_wallet"`
	Slug          string `json:"slug"`
	CreatedAt     string `json:"created_at"`
}

func meetingToItem(m model.Meeting) meetingItem {
	return meetingItem{
		ID:            m.ID,
		Title:         m.Title,
		Description:   m.Description,
		DurationMins:  m.DurationMins,
		PriceSOL:      m.PriceSOL.String(),
		CreatorWallet: m.CreatorWallet,
		Slug:          m.Slug,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Meetings handles POST (create) and GET (list by creator) on /api/v1/meetings.
func (h *Handler) Meetings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createMeeting(w, r)
	case http.MethodGet:
		h.listMeetings(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) createMeeting(w http.ResponseWriter, r *http.Request) {
	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.CreatorWallet = strings.TrimSpace(req.CreatorWallet)
	if req.Title == "" || req.CreatorWallet == "" {
		writeError(w, http.StatusBadRequest, "title and creator_wallet are required")
		return
	}
	if req.DurationMins <= 0 {
		writeError(w, http.StatusBadRequest, "duration_mins must be positive")
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.PriceSOL))
	if err != nil || price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "price_sol must be a positive decimal")
		return
	}
	if _, err := solana.PublicKeyFromBase58(req.CreatorWallet); err != nil {
		writeError(w, http.StatusBadRequest, "creator_wallet is not a valid address")
		return
	}

	m := &model.Meeting{
		Title:         req.Title,
		Description:   strings.TrimSpace(req.Description),
		DurationMins:  req.DurationMins,
		PriceSOL:      price,
		CreatorWallet: req.CreatorWallet,
	}

	// Slug collisions are rare (random suffix); retry a couple of times
	// rather than serializing creation.
	var created model.Meeting
	for attempt := 0; ; attempt++ {
		m.Slug = makeSlug(req.Title)
		created, err = h.store.CreateMeeting(r.Context(), m)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrSlugTaken) && attempt < 2 {
			continue
		}
		h.logger.Error("meeting create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create meeting")
		return
	}

	writeJSON(w, http.StatusCreated, meetingToItem(created))
}

func (h *Handler) listMeetings(w http.ResponseWriter, r *http.Request) {
	creator := strings.TrimSpace(r.URL.Query().Get("creator"))
	if creator == "" {
		writeError(w, http.StatusBadRequest, "creator query parameter required")
		return
	}
	meetings, err := h.store.ListMeetingsByCreator(r.Context(), creator)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list meetings")
		return
	}
	items := make([]meetingItem, 0, len(meetings))
	for _, m := range meetings {
		items = append(items, meetingToItem(m))
	}
	writeJSON(w, http.StatusOK, items)
}

// MeetingByPath serves /api/v1/meetings/{slug} (GET) and
// /api/v1/meetings/{id} (DELETE, owner wallet required).
func (h *Handler) MeetingByPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/meetings/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		m, err := h.store.MeetingBySlug(r.Context(), rest)
		if err != nil {
			if storage.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "meeting not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load meeting")
			return
		}
		writeJSON(w, http.StatusOK, meetingToItem(m))

	case http.MethodDelete:
		wallet := strings.TrimSpace(r.Header.Get("X-Wallet"))
		if wallet == "" {
			wallet = strings.TrimSpace(r.URL.Query().Get("wallet"))
		}
		if wallet == "" {
			writeError(w, http.StatusBadRequest, "wallet required")
			return
		}
		deleted, err := h.store.DeleteMeeting(r.Context(), rest, wallet)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete meeting")
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "meeting not found or not owned by wallet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func makeSlug(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "meeting"
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	var suffix [3]byte
	_, _ = rand.Read(suffix[:])
	return slug + "-" + hex.EncodeToString(suffix[:])
}

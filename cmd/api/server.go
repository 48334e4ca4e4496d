package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"listingflow/auth"
	"listingflow/listing"
	"listingflow/provider"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyProviderID
	ctxKeyRole
)

type mutationService interface {
	RequestCreate(ctx context.Context, providerID string, kind listing.Kind, content listing.Content) (listing.Listing, error)
	RequestUpdate(ctx context.Context, id string, proposed listing.Content, opts listing.MutateOptions) (listing.Listing, error)
	RequestDelete(ctx context.Context, id, reason string, opts listing.MutateOptions) (listing.Listing, error)
	PreviewOverwrite(ctx context.Context, id string) (listing.OverwritePreview, error)
}

type approvalService interface {
	Approve(ctx context.Context, params listing.DecisionParams) (listing.Resolution, error)
	Reject(ctx context.Context, params listing.DecisionParams) (listing.Resolution, error)
}

type listingReader interface {
	List(ctx context.Context, filters listing.Filters) ([]listing.Listing, int, error)
	CountsByRequestType(ctx context.Context) (map[listing.RequestType]int, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

type providerService interface {
	GetByID(ctx context.Context, id string) (provider.Profile, error)
	List(ctx context.Context, limit int) ([]provider.Profile, error)
}

// Server is the request/response boundary over the core services. Transport
// concerns stop here; all workflow rules live in the listing package.
type Server struct {
	mutationService mutationService
	approvalService approvalService
	listings        listingReader
	authService     authService
	providerService providerService
	log             *logrus.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("POST /api/listings", s.requireRole(auth.RoleProvider, s.handleCreateListing))
	mux.HandleFunc("GET /api/listings", s.requireRole(auth.RoleProvider, s.handleProviderListings))
	mux.HandleFunc("GET /api/listings/{id}/pending", s.requireRole(auth.RoleProvider, s.handlePreviewOverwrite))
	mux.HandleFunc("PATCH /api/listings/{id}", s.requireRole(auth.RoleProvider, s.handleUpdateListing))
	mux.HandleFunc("DELETE /api/listings/{id}", s.requireRole(auth.RoleProvider, s.handleDeleteListing))

	mux.HandleFunc("GET /api/admin/listings", s.requireRole(auth.RoleAdmin, s.handleAdminListings))
	mux.HandleFunc("GET /api/admin/summary", s.requireRole(auth.RoleAdmin, s.handleAdminSummary))
	mux.HandleFunc("POST /api/admin/listings/{id}/approve", s.requireRole(auth.RoleAdmin, s.handleApprove))
	mux.HandleFunc("POST /api/admin/listings/{id}/reject", s.requireRole(auth.RoleAdmin, s.handleReject))

	mux.HandleFunc("GET /api/providers/{id}", s.handleProvider)
	mux.HandleFunc("GET /api/providers", s.handleProviders)

	return mux
}

// requireRole authenticates the bearer token and enforces the role before
// delegating, stashing identity in the request context.
func (s *Server) requireRole(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if id.Role != role {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		if id.ProviderID != nil {
			ctx = context.WithValue(ctx, ctxKeyProviderID, *id.ProviderID)
		}
		next(w, r.WithContext(ctx))
	}
}

// providerScope resolves which provider the request acts for. Accounts not
// linked to a provider profile fall back to their own user id.
func providerScope(r *http.Request) string {
	if pid, ok := r.Context().Value(ctxKeyProviderID).(string); ok && pid != "" {
		return pid
	}
	uid, _ := r.Context().Value(ctxKeyUserID).(string)
	return uid
}

type contentPayload struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Price           int64  `json:"price"`
	DurationMinutes int    `json:"durationMinutes"`
	Category        string `json:"category"`
}

func (p contentPayload) toContent() listing.Content {
	return listing.Content{
		Name:            p.Name,
		Description:     p.Description,
		Price:           p.Price,
		DurationMinutes: p.DurationMinutes,
		Category:        p.Category,
	}
}

type pendingChangeResponse struct {
	RequestType   string   `json:"requestType"`
	ChangedFields []string `json:"changedFields,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	SubmittedAt   string   `json:"submittedAt"`
}

type listingResponse struct {
	ID               string                 `json:"id"`
	PublicID         *string                `json:"publicId"`
	ProviderID       string                 `json:"providerId"`
	Kind             string                 `json:"kind"`
	Status           string                 `json:"status"`
	DisplayStatus    string                 `json:"displayStatus"`
	Priority         int                    `json:"priority"`
	Content          contentPayload         `json:"content"`
	PendingChange    *pendingChangeResponse `json:"pendingChange,omitempty"`
	AdminActionTaken bool                   `json:"adminActionTaken"`
	NeedsAdminAction bool                   `json:"needsAdminAction"`
	IsEditable       bool                   `json:"isEditable"`
	FirstSubmittedAt string                 `json:"firstSubmittedAt"`
	FirstApprovedAt  *string                `json:"firstApprovedAt,omitempty"`
	LastUpdatedAt    *string                `json:"lastUpdatedAt,omitempty"`
	DeletedAt        *string                `json:"deletedAt,omitempty"`
}

// toListingResponse projects the display status exactly once, here, for every
// view the API serves.
func toListingResponse(l listing.Listing) listingResponse {
	display := listing.ProjectStatus(l)
	resp := listingResponse{
		ID:            l.ID,
		PublicID:      l.PublicID,
		ProviderID:    l.ProviderID,
		Kind:          string(l.Kind),
		Status:        string(l.Status),
		DisplayStatus: string(display),
		Priority:      display.Priority(),
		Content: contentPayload{
			Name:            l.Content.Name,
			Description:     l.Content.Description,
			Price:           l.Content.Price,
			DurationMinutes: l.Content.DurationMinutes,
			Category:        l.Content.Category,
		},
		AdminActionTaken: l.AdminActionTaken,
		NeedsAdminAction: listing.NeedsAdminAction(l),
		IsEditable:       listing.IsEditable(l),
		FirstSubmittedAt: l.FirstSubmittedAt.Format(time.RFC3339),
	}
	if l.Pending != nil {
		resp.PendingChange = &pendingChangeResponse{
			RequestType:   string(l.Pending.RequestType),
			ChangedFields: l.Pending.ChangedFields,
			Reason:        l.Pending.Reason,
			SubmittedAt:   l.Pending.SubmittedAt.Format(time.RFC3339),
		}
	}
	resp.FirstApprovedAt = formatTime(l.FirstApprovedAt)
	resp.LastUpdatedAt = formatTime(l.LastUpdatedAt)
	resp.DeletedAt = formatTime(l.DeletedAt)
	return resp
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind string `json:"kind"`
		contentPayload
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.mutationService.RequestCreate(r.Context(), providerScope(r), listing.Kind(body.Kind), body.toContent())
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"listing": toListingResponse(created),
	})
}

func (s *Server) handleProviderListings(w http.ResponseWriter, r *http.Request) {
	items, total, err := s.listings.List(r.Context(), listing.Filters{
		ProviderID: providerScope(r),
		Page:       intQuery(r, "page"),
		PageSize:   intQuery(r, "pageSize"),
	})
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(items, total))
}

func (s *Server) handlePreviewOverwrite(w http.ResponseWriter, r *http.Request) {
	preview, err := s.mutationService.PreviewOverwrite(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	resp := map[string]any{
		"hasPendingChange": preview.HasPendingChange,
	}
	if preview.HasPendingChange {
		resp["requestType"] = string(preview.RequestType)
		resp["description"] = preview.Description
		if preview.SubmittedAt != nil {
			resp["submittedAt"] = preview.SubmittedAt.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		contentPayload
		ConfirmOverwrite bool `json:"confirmOverwrite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actorID, _ := r.Context().Value(ctxKeyUserID).(string)

	hadPending := false
	if preview, err := s.mutationService.PreviewOverwrite(r.Context(), r.PathValue("id")); err == nil {
		hadPending = preview.HasPendingChange
	}

	updated, err := s.mutationService.RequestUpdate(r.Context(), r.PathValue("id"), body.toContent(), listing.MutateOptions{
		ActorID:          actorID,
		ConfirmOverwrite: body.ConfirmOverwrite,
	})
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"listing":          toListingResponse(updated),
		"hasPendingChange": hadPending,
	})
}

func (s *Server) handleDeleteListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason           string `json:"reason"`
		ConfirmOverwrite bool   `json:"confirmOverwrite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actorID, _ := r.Context().Value(ctxKeyUserID).(string)

	updated, err := s.mutationService.RequestDelete(r.Context(), r.PathValue("id"), body.Reason, listing.MutateOptions{
		ActorID:          actorID,
		ConfirmOverwrite: body.ConfirmOverwrite,
	})
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"listing":           toListingResponse(updated),
		"publicIdPreserved": updated.PublicID != nil,
	})
}

func (s *Server) handleAdminListings(w http.ResponseWriter, r *http.Request) {
	items, total, err := s.listings.List(r.Context(), listing.Filters{
		PendingOnly: r.URL.Query().Get("pending") == "1",
		Page:        intQuery(r, "page"),
		PageSize:    intQuery(r, "pageSize"),
	})
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(items, total))
}

func (s *Server) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.listings.CountsByRequestType(r.Context())
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": map[string]int{
			"create": counts[listing.RequestCreate],
			"update": counts[listing.RequestUpdate],
			"delete": counts[listing.RequestDelete],
		},
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.approvalService.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.approvalService.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide func(context.Context, listing.DecisionParams) (listing.Resolution, error)) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	adminID, _ := r.Context().Value(ctxKeyUserID).(string)

	resolution, err := decide(r.Context(), listing.DecisionParams{
		ListingID: r.PathValue("id"),
		AdminID:   adminID,
		Reason:    body.Reason,
	})
	if err != nil {
		s.writeListingError(w, err)
		return
	}
	resp := map[string]any{
		"success": true,
		"listing": toListingResponse(resolution.Listing),
	}
	if resolution.AssignedPublicID != nil {
		resp["assignedPublicId"] = *resolution.AssignedPublicID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
		},
	})
}

type providerResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Verified       bool    `json:"verified"`
	Rating         float64 `json:"rating"`
	ActiveListings int     `json:"activeListings"`
	CreatedAt      string  `json:"createdAt"`
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing provider id")
		return
	}
	profile, err := s.providerService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(profile))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.providerService.List(r.Context(), intQuery(r, "limit"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	items := make([]providerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toProviderResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func toProviderResponse(p provider.Profile) providerResponse {
	return providerResponse{
		ID:             p.ID,
		Name:           p.Name,
		Verified:       p.Verified,
		Rating:         p.Rating,
		ActiveListings: p.ActiveListings,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

// writeListingError maps core sentinel errors onto the HTTP boundary. Failed
// calls leave the store untouched; nothing here retries.
func (s *Server) writeListingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, listing.ErrNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, listing.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, listing.ErrNotEditable), errors.Is(err, listing.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, listing.ErrPendingOverwrite):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            err.Error(),
			"hasPendingChange": true,
		})
	case errors.Is(err, listing.ErrNoPendingChange):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	if s.log != nil {
		s.log.WithError(err).Error("internal error")
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func listPayload(items []listing.Listing, total int) map[string]any {
	out := make([]listingResponse, 0, len(items))
	for _, l := range items {
		out = append(out, toListingResponse(l))
	}
	return map[string]any{"items": out, "total": total}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// Package api exposes the vault pipeline over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/content-vault/pkg/vault"
)

const maxJSONBody = 1 << 20

// Handler serves the vault control surface.
type Handler struct {
	pipeline *vault.Pipeline
	logger   *slog.Logger
}

// NewHandler creates a handler over pipeline
func NewHandler(pipeline *vault.Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: pipeline, logger: logger.With("component", "api")}
}

// Routes returns the routes of the control surface
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/assets", h.UploadAsset)
	r.Get("/assets/{id}", h.GetAsset)
	r.Delete("/assets/{id}", h.DeleteAsset)
	r.Get("/assets/{id}/content", h.DownloadAsset)
	r.Get("/assets/{id}/url", h.GetDownloadURL)
	r.Get("/assets/{id}/derived", h.ListDerived)

	r.Group(func(r chi.Router) {
		r.Use(RequestSizeLimitMiddleware(maxJSONBody))

		r.Post("/transforms", h.SubmitTransform)

		r.Get("/styles", h.ListStyles)
		r.Post("/styles", h.RegisterStyle)
		r.Get("/styles/{id}", h.GetStyle)
		r.Post("/styles/{id}/derive", h.DeriveStyle)

		r.Post("/plans", h.CreatePlan)
		r.Get("/plans/{id}", h.GetPlan)
		r.Post("/plans/{id}/cancel", h.CancelPlan)

		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/sweep", h.SweepStale)
	})

	return r
}

// UploadAsset stores the request body as a raw asset. The owner and
// file name come from the query string, the MIME type from Content-Type.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		h.writeError(w, r, "Invalid owner ID", fmt.Errorf("%w: invalid owner_id: %v", errBadRequest, err))
		return
	}
	req := vault.PutRequest{
		Kind:     vault.AssetKindRaw,
		OwnerID:  ownerID,
		MimeType: r.Header.Get("Content-Type"),
		FileName: r.URL.Query().Get("file_name"),
	}
	if raw := r.URL.Query().Get("id"); raw != "" {
		if req.ID, err = uuid.Parse(raw); err != nil {
			h.writeError(w, r, "Invalid asset ID", fmt.Errorf("%w: invalid id: %v", errBadRequest, err))
			return
		}
	}

	asset, err := h.pipeline.Assets.Put(r.Context(), r.Body, req)
	if err != nil {
		h.writeError(w, r, "Failed to store asset", err)
		return
	}

	h.logger.Info("Asset stored", "asset_id", asset.ID, "size", asset.SizeBytes)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, asset)
}

// GetAsset returns an asset record
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	asset, err := h.pipeline.Assets.Stat(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get asset", err)
		return
	}
	render.JSON(w, r, asset)
}

// DeleteAsset removes an asset that nothing refers to
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.Assets.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, "Failed to delete asset", err)
		return
	}
	h.logger.Info("Asset deleted", "asset_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// DownloadAsset streams the asset bytes
func (h *Handler) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	body, asset, err := h.pipeline.Assets.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to open asset", err)
		return
	}
	defer body.Close()

	if asset.MimeType != "" {
		w.Header().Set("Content-Type", asset.MimeType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	if asset.FileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.FileName))
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("Asset download interrupted", "asset_id", id, "error", err)
	}
}

// GetDownloadURL returns a backend download URL for the asset
func (h *Handler) GetDownloadURL(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	url, err := h.pipeline.Assets.DownloadURL(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get download URL", err)
		return
	}
	render.JSON(w, r, map[string]string{"url": url})
}

// ListDerived lists the derived assets of a raw asset
func (h *Handler) ListDerived(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	assets, err := h.pipeline.Assets.ListDerived(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to list derived assets", err)
		return
	}
	render.JSON(w, r, assets)
}

// SubmitTransformRequest is the request body for a transformation
type SubmitTransformRequest struct {
	RawAssetID string `json:"raw_asset_id"`
	StyleID    string `json:"style_id"`
}

// SubmitTransform enqueues a transformation job
func (h *Handler) SubmitTransform(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransformRequest
	if !h.decode(w, r, &req) {
		return
	}
	rawID, err := uuid.Parse(req.RawAssetID)
	if err != nil {
		h.writeError(w, r, "Invalid raw asset ID", fmt.Errorf("%w: invalid raw_asset_id: %v", errBadRequest, err))
		return
	}

	job, err := h.pipeline.Orchestrator.SubmitTransform(r.Context(), vault.SubmitTransformRequest{
		RawAssetID: rawID,
		StyleID:    req.StyleID,
	})
	if err != nil {
		h.writeError(w, r, "Failed to submit transformation", err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// ListStyles lists the style catalog
func (h *Handler) ListStyles(w http.ResponseWriter, r *http.Request) {
	styles, err := h.pipeline.Styles.List(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to list styles", err)
		return
	}
	render.JSON(w, r, styles)
}

// GetStyle returns one style descriptor
func (h *Handler) GetStyle(w http.ResponseWriter, r *http.Request) {
	style, err := h.pipeline.Styles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "Failed to get style", err)
		return
	}
	render.JSON(w, r, style)
}

// RegisterStyle adds a style descriptor to the catalog
func (h *Handler) RegisterStyle(w http.ResponseWriter, r *http.Request) {
	var req vault.StyleDescriptor
	if !h.decode(w, r, &req) {
		return
	}
	style, err := h.pipeline.Styles.Register(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, "Failed to register style", err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, style)
}

// DeriveStyleRequest is the request body for a style overlay
type DeriveStyleRequest struct {
	Overrides map[string]string `json:"overrides"`
}

// DeriveStyle creates a style from a base style plus parameter overrides
func (h *Handler) DeriveStyle(w http.ResponseWriter, r *http.Request) {
	var req DeriveStyleRequest
	if !h.decode(w, r, &req) {
		return
	}
	style, err := h.pipeline.Styles.Derive(r.Context(), chi.URLParam(r, "id"), req.Overrides)
	if err != nil {
		h.writeError(w, r, "Failed to derive style", err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, style)
}

// CreatePlanRequest is the request body for a distribution plan
type CreatePlanRequest struct {
	OwnerID        string            `json:"owner_id"`
	DerivedAssetID string            `json:"derived_asset_id"`
	Entries        []vault.PlanEntry `json:"entries"`
}

// CreatePlan schedules a derived asset for publishing
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		h.writeError(w, r, "Invalid owner ID", fmt.Errorf("%w: invalid owner_id: %v", errBadRequest, err))
		return
	}
	assetID, err := uuid.Parse(req.DerivedAssetID)
	if err != nil {
		h.writeError(w, r, "Invalid derived asset ID", fmt.Errorf("%w: invalid derived_asset_id: %v", errBadRequest, err))
		return
	}

	view, err := h.pipeline.Planner.CreatePlan(r.Context(), ownerID, assetID, req.Entries)
	if err != nil {
		h.writeError(w, r, "Failed to create plan", err)
		return
	}

	h.logger.Info("Plan created", "plan_id", view.Plan.ID, "jobs", len(view.Jobs))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, view)
}

// GetPlan returns a plan with its live job records
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	view, err := h.pipeline.Planner.GetPlan(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get plan", err)
		return
	}
	render.JSON(w, r, view)
}

// CancelPlan cancels every pending job of a plan
func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	result, err := h.pipeline.Planner.CancelPlan(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to cancel plan", err)
		return
	}
	render.JSON(w, r, result)
}

// GetJob returns a job record
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	job, err := h.pipeline.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get job", err)
		return
	}
	render.JSON(w, r, job)
}

// SweepResponse reports a lease sweep
type SweepResponse struct {
	*vault.SweepResult
	SweptAt time.Time `json:"swept_at"`
}

// SweepStale reclaims jobs whose lease expired
func (h *Handler) SweepStale(w http.ResponseWriter, r *http.Request) {
	result, err := h.pipeline.SweepStale(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to sweep stale jobs", err)
		return
	}
	render.JSON(w, r, SweepResponse{SweepResult: result, SweptAt: time.Now().UTC()})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, "Invalid ID", fmt.Errorf("%w: invalid id %q: %v", errBadRequest, raw, err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, "Invalid request body", fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

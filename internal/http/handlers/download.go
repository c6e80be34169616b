package handlers

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"drisya/internal/domain"
	"drisya/pkg/zip"
)

// DownloadJob handles GET /v1/jobs/{job_id}/download: a zip of every
// completed output. It answers 409 until at least one image completed.
func (a *App) DownloadJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	jobID := chi.URLParam(r, "job_id")
	view, err := a.Jobs.Get(r.Context(), userID, jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var assets []zip.Asset
	for _, img := range view.Images {
		if img.Status != domain.ImageStatusCompleted || img.OutputRef == "" {
			continue
		}
		data, err := a.Blobs.Read(r.Context(), img.OutputRef)
		if err != nil {
			a.Logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("image_id", img.ID).
				Msg("download: output unreadable, skipping")
			continue
		}
		ext := path.Ext(img.OutputRef)
		asset := zip.Asset{
			Filename: fmt.Sprintf("%03d-%s%s", img.Ordinal+1, img.ID, ext),
			MIME:     mimeForExt(ext),
			Data:     data,
		}
		if img.FinishedAt != nil {
			asset.Modified = *img.FinishedAt
		}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		a.error(w, http.StatusConflict, "no_outputs", localize(r, "no_outputs", "no completed images to download yet"))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", jobID))
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, assets); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("download: write archive")
	}
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justestif/site-sync/internal/auth"
	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/importer"
	"github.com/justestif/site-sync/internal/logger"
	sitesync "github.com/justestif/site-sync/internal/sync"
	"github.com/justestif/site-sync/internal/webhook"
)

const (
	// DefaultMaxImportBytes caps import uploads when Config leaves it unset.
	DefaultMaxImportBytes = 64 << 20

	// DefaultHistoryLimit and MaxHistoryLimit bound GET /api/history.
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	maxWebhookBytes = 64 << 10
)

// OAuthFlow starts and completes provider authorization.
type OAuthFlow interface {
	Begin(ctx context.Context, provider string) (string, error)
	Complete(ctx context.Context, provider, code, state string) (auth.Status, error)
}

// EventQueue accepts webhook events for background processing.
type EventQueue interface {
	Enqueue(event webhook.Event) (string, error)
}

// Syncer runs a listening history sync.
type Syncer interface {
	SyncWithLogging(ctx context.Context, trigger sitesync.Trigger, level zapcore.Level) *sitesync.Result
}

// Importer loads export files.
type Importer interface {
	Import(ctx context.Context, contents []byte, opts importer.Options) (*importer.Result, error)
}

// HistoryReader reads recent plays.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.PlayWithTrack, error)
}

// Deps are the services behind the HTTP handlers.
type Deps struct {
	OAuth    OAuthFlow
	Events   EventQueue
	Syncer   Syncer
	Importer Importer
	History  HistoryReader
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	cfg  Config
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg Config, deps Deps) *Handlers {
	return &Handlers{cfg: cfg, deps: deps}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login redirects to the provider's authorize page (GET /auth/{provider}/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth is not configured")
		return
	}

	provider := chi.URLParam(r, "provider")
	authURL, err := h.deps.OAuth.Begin(r.Context(), provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider")
			return
		}
		logger.ErrorCtx(r.Context(), err, zap.String("provider", provider))
		writeError(w, http.StatusInternalServerError, "internal", "failed to start authorization")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes authorization (GET /auth/{provider}/callback). The
// outcome is reported as a normalized status, never as provider error text.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth is not configured")
		return
	}

	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	status, err := h.deps.OAuth.Complete(r.Context(), provider, query.Get("code"), query.Get("state"))
	if err != nil {
		logger.ErrorCtx(r.Context(), err,
			zap.String("provider", provider),
			zap.String("status", string(status)),
		)
	} else if status != auth.StatusSuccess {
		logger.WarnCtx(r.Context(), "OAuth callback rejected",
			zap.String("provider", provider),
			zap.String("status", string(status)),
			zap.String("provider_error", query.Get("error")),
		)
	}

	if h.cfg.OAuthReturnURL != "" {
		target, err := returnURL(h.cfg.OAuthReturnURL, provider, status)
		if err == nil {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		logger.ErrorCtx(r.Context(), err)
	}

	code := http.StatusOK
	switch status {
	case auth.StatusSuccess:
	case auth.StatusError:
		code = http.StatusBadGateway
	case auth.StatusUnknownProvider:
		code = http.StatusNotFound
	default:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"provider": provider, "status": string(status)})
}

func returnURL(base, provider string, status auth.Status) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("provider", provider)
	q.Set("status", string(status))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebhookHandshake answers the subscription validation request (GET /webhooks/strava).
func (h *Handlers) WebhookHandshake(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("hub.mode") != "subscribe" ||
		h.cfg.VerifyToken == "" ||
		query.Get("hub.verify_token") != h.cfg.VerifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": query.Get("hub.challenge")})
}

// WebhookEvent accepts a delivery (POST /webhooks/strava). Work happens on the
// queue; the response only acknowledges receipt.
func (h *Handlers) WebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "event body too large")
		return
	}

	event, err := webhook.ParseEvent(body)
	if err != nil {
		logger.WarnCtx(r.Context(), "Rejected webhook event", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_event", "invalid event")
		return
	}

	if !event.Dispatchable() {
		logger.DebugCtx(r.Context(), "Ignoring webhook event",
			zap.String("object_type", event.ObjectType),
			zap.Int64("object_id", event.ObjectID),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event processing is not configured")
		return
	}

	deliveryID, err := h.deps.Events.Enqueue(*event)
	if err != nil {
		logger.ErrorCtx(r.Context(), err, zap.Int64("object_id", event.ObjectID))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "delivery_id": deliveryID})
}

type syncResponse struct {
	State       string `json:"state"`
	Skipped     bool   `json:"skipped"`
	Inserted    int64  `json:"inserted"`
	Total       int    `json:"total"`
	GapDetected bool   `json:"gap_detected"`
	Warning     string `json:"warning,omitempty"`
}

// Backfill triggers a sync outside the schedule (POST /admin/sync).
func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	if h.deps.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync is not configured")
		return
	}

	result := h.deps.Syncer.SyncWithLogging(r.Context(), sitesync.TriggerBackfill, zapcore.WarnLevel)
	if result == nil {
		writeError(w, http.StatusBadGateway, "sync_failed", "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		State:       string(result.State),
		Skipped:     result.Skipped,
		Inserted:    result.Inserted,
		Total:       result.Total,
		GapDetected: result.GapDetected,
		Warning:     result.Warning,
	})
}

// Import loads an export file (POST /admin/import?dry_run=). The file is the
// raw request body or the "file" part of a multipart form.
func (h *Handlers) Import(w http.ResponseWriter, r *http.Request) {
	if h.deps.Importer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "import is not configured")
		return
	}

	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "dry_run must be a boolean")
			return
		}
		dryRun = parsed
	}

	contents, err := h.readImport(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.deps.Importer.Import(r.Context(), contents, importer.Options{DryRun: dryRun})
	if err != nil {
		if errors.Is(err, importer.ErrNotArray) {
			writeError(w, http.StatusBadRequest, "invalid_file", err.Error())
			return
		}
		logger.ErrorCtx(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal", "import failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) readImport(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxImportBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.New("reading request body failed")
		}
		return body, nil
	}

	if err := r.ParseMultipartForm(h.cfg.MaxImportBytes); err != nil {
		return nil, errors.New("invalid multipart form")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("missing file part")
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("reading file part failed")
	}
	return contents, nil
}

type historyTrack struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMs *int     `json:"duration_ms,omitempty"`
	AlbumName  *string  `json:"album_name,omitempty"`
	AlbumImage *string  `json:"album_image,omitempty"`
	Artists    []string `json:"artists"`
}

type historyPlay struct {
	TrackID  string        `json:"track_id"`
	PlayedAt time.Time     `json:"played_at"`
	MsPlayed *int          `json:"ms_played,omitempty"`
	Source   string        `json:"source"`
	Track    *historyTrack `json:"track,omitempty"`
}

// History returns the most recent plays (GET /api/history?limit=).
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history is not configured")
		return
	}

	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	rows, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		logger.ErrorCtx(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to read history")
		return
	}

	plays := make([]historyPlay, 0, len(rows))
	for _, row := range rows {
		p := historyPlay{
			TrackID:  row.TrackID,
			PlayedAt: row.PlayedAt,
			MsPlayed: row.MsPlayed,
			Source:   row.Source,
		}
		if row.Track != nil {
			t := &historyTrack{
				ID:         row.Track.ID,
				Name:       row.Track.Name,
				DurationMs: row.Track.DurationMs,
				AlbumName:  row.Track.AlbumName,
				AlbumImage: row.Track.AlbumImage,
				Artists:    make([]string, 0, len(row.Track.Artists)),
			}
			for _, a := range row.Track.Artists {
				t.Artists = append(t.Artists, a.Name)
			}
			p.Track = t
		}
		plays = append(plays, p)
	}

	writeJSON(w, http.StatusOK, map[string]any{"plays": plays})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

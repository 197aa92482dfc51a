// Package storeforward is the polling surface of the relay: producers POST
// opaque chunks, consumers GET everything newer than their cursor. It exists
// for clients that cannot hold a WebSocket open; nothing here touches the
// push path.
package storeforward

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/signalmesh/relay/internal/chunkstore"
	"github.com/signalmesh/relay/internal/httpserver"
	"github.com/signalmesh/relay/internal/metrics"
)

const defaultMaxUploadBytes = 1 << 20

type Config struct {
	Store   *chunkstore.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxUploadBytes caps the whole multipart request body.
	MaxUploadBytes int64
}

type Handler struct {
	store          *chunkstore.Store
	metrics        *metrics.Metrics
	log            *slog.Logger
	maxUploadBytes int64

	now func() time.Time
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		now:            time.Now,
	}
}

// RegisterRoutes must only be called during startup, before the mux serves.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /poll", h.handlePoll)
}

type uploadResponse struct {
	OK bool    `json:"ok"`
	TS float64 `json:"ts"`
}

type pollChunk struct {
	TS   float64 `json:"ts"`
	User string  `json:"user"`
	CID  string  `json:"cid"`
	MIME string  `json:"mime"`
	Data []byte  `json:"data"`
}

type pollResponse struct {
	Chunks []pollChunk `json:"chunks"`
	Now    float64     `json:"now"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "bad_request", "malformed multipart body")
		return
	}

	room := r.FormValue("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "no room specified")
		return
	}
	user := r.FormValue("user")
	if user == "" {
		user = "Anonymous"
	}
	cid := r.FormValue("cid")

	file, header, err := r.FormFile("blob")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "no blob attached")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable blob")
		return
	}

	ts := h.store.Append(room, user, cid, header.Header.Get("Content-Type"), payload)
	h.metrics.Inc(metrics.Upload)
	h.log.Debug("chunk uploaded", "room", room, "user", user, "bytes", len(payload))

	httpserver.WriteJSON(w, http.StatusOK, uploadResponse{OK: true, TS: ts.Seconds()})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := q.Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "no room specified")
		return
	}

	// An absent cursor means "from the beginning": the zero timestamp is
	// strictly before every stored chunk.
	var since chunkstore.Timestamp
	if raw := q.Get("since"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed since cursor")
			return
		}
		since = chunkstore.SinceSeconds(secs)
	}

	chunks := h.store.Query(room, since)
	h.metrics.Inc(metrics.Poll)

	resp := pollResponse{
		Chunks: make([]pollChunk, 0, len(chunks)),
		Now:    float64(h.now().UnixMilli()) / 1000,
	}
	for _, c := range chunks {
		resp.Chunks = append(resp.Chunks, pollChunk{
			TS:   c.Timestamp.Seconds(),
			User: c.Producer,
			CID:  c.ClientID,
			MIME: c.MIME,
			Data: c.Payload,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	httpserver.WriteJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

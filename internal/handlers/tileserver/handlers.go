package tileserver

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"net/http"
	"os"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/export"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/ratelimit"
	"imagery-timeloop/internal/taskqueue"
	"imagery-timeloop/internal/wms"
)

// Status is the body of GET /status.
type Status struct {
	Queue       taskqueue.QueueStatus `json:"queue"`
	RateLimited []ratelimit.Event     `json:"rateLimited"`
}

const kmlContentType = "application/vnd.google-earth.kml+xml"

// placeholder is served for frames whose image has not landed yet.
var placeholder = func() []byte {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
}()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requireLoop(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ctl == nil {
			writeError(w, http.StatusNotFound, "no loop loaded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cache == nil {
			writeError(w, http.StatusServiceUnavailable, "no cache attached")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{RateLimited: []ratelimit.Event{}}
	if s.cache != nil {
		st.Queue = s.cache.QueueStatus()
	}
	if s.rl != nil {
		st.RateLimited = append(st.RateLimited, s.rl.Hosts()...)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	s.cache.Purge()
	s.log.Info().Msg("memory tier purged")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	layers := []*wms.Layer{}
	if s.caps != nil {
		layers = s.caps.Layers
	}
	writeJSON(w, http.StatusOK, layers)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.ctl.Play()
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctl.Stop()
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	s.ctl.Tick()
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleKML(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := export.WriteDocument(&buf, s.ctl.Sequence(), export.Options{SourceOnly: true}); err != nil {
		s.log.Error().Err(err).Msg("kml export failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", kmlContentType)
	w.Write(buf.Bytes())
}

// frameAt looks up the frame named by the index URL parameter and writes
// the error response when there is none.
func (s *Server) frameAt(w http.ResponseWriter, r *http.Request) (overlay.Descriptor, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame index")
		return overlay.Descriptor{}, false
	}
	frames := s.ctl.Sequence().Frames
	if idx < 0 || idx >= len(frames) {
		writeError(w, http.StatusNotFound, "frame out of range")
		return overlay.Descriptor{}, false
	}
	return frames[idx], true
}

// handleFrame serves the image of one frame. Pending frames get a
// transparent placeholder and X-Tile-State tells the client to poll again.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.frameAt(w, r)
	if !ok {
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "no cache attached")
		return
	}

	tile := s.cache.Resolve(frame)
	w.Header().Set("X-Tile-State", tile.State.String())
	switch tile.State {
	case cache.StateReady:
		path := tile.Path
		if path == "" {
			path = frame.Path()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("cached frame unreadable")
			writeError(w, http.StatusInternalServerError, "failed to read cached frame")
			return
		}
		w.Header().Set("Content-Type", mimetype.Detect(data).String())
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write(data)
	case cache.StateFailed:
		msg := "fetch failed"
		if tile.Err != nil {
			msg = tile.Err.Error()
		}
		writeError(w, http.StatusBadGateway, msg)
	default:
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(placeholder)
	}
}

// handleRetry clears a failed frame and starts a new fetch for it.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.frameAt(w, r)
	if !ok {
		return
	}
	if err := s.cache.Retry(frame.CacheKey); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrPending) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	tile := s.cache.Resolve(frame)
	s.log.Info().Str("frame", frame.Name).Str("state", tile.State.String()).Msg("frame retried")
	writeJSON(w, http.StatusAccepted, map[string]string{"key": frame.CacheKey, "state": tile.State.String()})
}

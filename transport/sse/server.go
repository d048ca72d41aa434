// Package sse streams state container snapshots to out-of-process renderers over
// server-sent events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/state"
)

const component = syncErrors.Component("transport/sse")

const DefaultKeepAlive = 15 * time.Second

type Server struct {
	Source    state.Reader
	Slices    state.Slice
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// NewServer streams every slice of source.
func NewServer(source state.Reader, logger *slog.Logger) *Server {
	return &Server{
		Source:    source,
		Slices:    state.SliceAll,
		KeepAlive: DefaultKeepAlive,
		Logger:    logging.Or(logger, logging.Component(component)),
	}
}

// Handler writes a full frame on connect, then one frame per mutation touching
// Slices. A slow reader only gets the latest frame.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		frames := make(chan state.Snapshot, 1)
		unsubscribe := s.Source.Subscribe(s.Slices, func(snap state.Snapshot) {
			for {
				select {
				case frames <- snap:
					return
				default:
				}
				select {
				case <-frames:
				default:
				}
			}
		})
		defer unsubscribe()

		if err := s.write(w, current(s.Source)); err != nil {
			return
		}
		flusher.Flush()

		keepAlive := s.KeepAlive
		if keepAlive <= 0 {
			keepAlive = DefaultKeepAlive
		}
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-frames:
				if err := s.write(w, snap); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	})
}

func (s *Server) write(w http.ResponseWriter, snap state.Snapshot) error {
	js, err := toJSONSnapshot(snap)
	if err == nil {
		var b []byte
		if b, err = json.Marshal(js); err == nil {
			_, err = fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", js.Version, b)
		}
	}
	if err != nil {
		e := syncErrors.WrapKind(err, syncErrors.Op("sse.write"), component, syncErrors.KindInternal)
		s.logger().Warn("dropping stream", logging.Err(e))
	}
	return err
}

func (s *Server) logger() *slog.Logger {
	return logging.Or(s.Logger, logging.Component(component))
}

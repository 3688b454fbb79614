package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxHookBody = 1 << 20

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) error
	Ping(ctx context.Context) error
}

type hookMessage struct {
	ID      string          `json:"id"`
	Project string          `json:"project"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewRouter serves webhook intake. The project name is passed through as
// is: containment is enforced by the worker, which is the trust boundary.
func NewRouter(q Enqueuer, log *zap.Logger) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(middleware.Timeout(10 * time.Second))

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Ping(r.Context()); err != nil {
			log.Warn("health check", zap.Error(err))
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	rtr.Post("/v1/hooks/{project}", func(w http.ResponseWriter, r *http.Request) {
		project := chi.URLParam(r, "project")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxHookBody {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			http.Error(w, "Content body not json", http.StatusUnsupportedMediaType)
			return
		}

		msg := hookMessage{ID: uuid.NewString(), Project: project}
		if len(body) > 0 {
			msg.Content = body
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			http.Error(w, "encode job", http.StatusInternalServerError)
			return
		}
		if err := q.Enqueue(r.Context(), payload); err != nil {
			log.Error("enqueue hook", zap.String("project", project), zap.Error(err))
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}
		log.Info("hook enqueued",
			zap.String("project", project),
			zap.String("job_id", msg.ID),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": msg.ID})
	})

	return rtr
}

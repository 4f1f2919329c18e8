package frontdoor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/intake-gateway/internal/domain"
	"github.com/tjfontaine/intake-gateway/internal/relay"
	"github.com/tjfontaine/intake-gateway/internal/server"
)

// ChatStreamer starts one relayed completion.
type ChatStreamer interface {
	Stream(ctx context.Context, message string) (*relay.Session, error)
}

type chatRequest struct {
	Message string `json:"message"`
}

type ChatHandler struct {
	relay  ChatStreamer
	logger *slog.Logger
}

func NewChatHandler(streamer ChatStreamer, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{relay: streamer, logger: logger}
}

// HandleStream relays one message as an SSE stream of {"content":...}
// frames ending in [DONE] or a single {"error":...} frame.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, r, relay.ErrStreamingUnsupported)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.relay.Stream(ctx, req.Message)
	if err != nil {
		var apiErr *domain.APIError
		if !errors.As(err, &apiErr) {
			h.logger.Error("failed to start chat stream", slog.String("error", err.Error()))
		}
		writeError(w, r, err)
		return
	}

	if sess.Header != nil {
		server.SetRateLimits(ctx, server.ParseRateLimits(sess.Header))
	}
	if sess.PromptTokens > 0 {
		server.AddLogField(ctx, "prompt_tokens", strconv.Itoa(sess.PromptTokens))
	}

	relay.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	last, err := relay.WriteSSE(w, sess.Events)
	if err != nil {
		// The client is gone; stop the producer so the upstream body is closed.
		cancel()
		h.logger.Warn("chat stream write failed", slog.String("error", err.Error()))
		server.AddError(ctx, err)
		return
	}

	server.AddLogField(ctx, "stream_end", last.Kind.String())
	if last.Kind == relay.KindError {
		server.AddLogField(ctx, "stream_error", last.Text)
	}
}

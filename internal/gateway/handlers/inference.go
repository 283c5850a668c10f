package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/modelpay/keysource/internal/gateway/dispatch"
	"github.com/modelpay/keysource/internal/gateway/providers"
)

// maxAudioBytes caps transcription uploads, matching the upstream file
// limit.
const maxAudioBytes = 25 << 20

// chatCompletions handles POST /v1/chat/completions, streaming when the
// request asks for it.
func (h *Handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "model and messages are required")
		return
	}

	task := dispatch.Task{Operation: providers.OperationChat, Model: req.Model, Chat: &req}
	if req.Stream {
		h.streamChat(w, r, task)
		return
	}

	res, err := h.dispatcher.Execute(r.Context(), userID(r.Context()), task)
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	setRoutingHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Chat)
}

// streamChat relays provider chunks as server-sent events. Headers are
// deferred until the first chunk so a routing rejection can still answer
// with a clean 402.
func (h *Handlers) streamChat(w http.ResponseWriter, r *http.Request, task dispatch.Task) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming Unsupported", "response writer does not support flushing")
		return
	}

	started := false
	_, err := h.dispatcher.ExecuteStream(r.Context(), userID(r.Context()), task, func(chunk openai.ChatCompletionStreamResponse) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			started = true
		}
		data, merr := json.Marshal(chunk)
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", data); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			h.writeDispatchError(w, r, err)
			return
		}
		// The status line is already on the wire; all that is left is a
		// terminal error event.
		fmt.Fprintf(w, "data: {\"error\": %q}\n\n", err.Error())
		flusher.Flush()
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handlers) embeddings(w http.ResponseWriter, r *http.Request) {
	var req providers.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "model and input are required")
		return
	}

	res, err := h.dispatcher.Execute(r.Context(), userID(r.Context()), dispatch.Task{
		Operation: providers.OperationEmbedding,
		Model:     req.Model,
		Embedding: &req,
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	setRoutingHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Embedding)
}

// transcriptions handles POST /v1/audio/transcriptions (multipart). The
// audio is buffered so the dispatcher can replay it on retry or fallback.
func (h *Handlers) transcriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "could not parse multipart form")
		return
	}

	model := r.FormValue("model")
	if model == "" {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "model is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation Error", "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Request", "could not read audio file")
		return
	}

	res, err := h.dispatcher.Execute(r.Context(), userID(r.Context()), dispatch.Task{
		Operation: providers.OperationTranscription,
		Model:     model,
		Transcription: &dispatch.TranscriptionTask{
			FileName: header.Filename,
			Audio:    audio,
			Language: r.FormValue("language"),
			Prompt:   r.FormValue("prompt"),
		},
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	setRoutingHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Transcription)
}

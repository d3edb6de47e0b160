package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvellum/synapse/internal/protocol"
)

// ChatMessage is one turn of an OpenAI-style conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body posted to a runtime's chat completion route.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// ChatChoice is one completion candidate.
type ChatChoice struct {
	Index   int         `json:"index"`
	Message ChatMessage `json:"message"`
}

// ChatResponse is the runtime's reply.
type ChatResponse struct {
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// Handle is a client for one loaded model's runtime endpoint. The
// backend behind it is opaque; all recognized backends speak the
// OpenAI-compatible chat route.
type Handle struct {
	modelID protocol.ModelId
	baseURL string
	client  *http.Client
}

func newHandle(modelID protocol.ModelId, baseURL string, timeout time.Duration) *Handle {
	return &Handle{
		modelID: modelID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ModelID reports which model this handle fronts.
func (h *Handle) ModelID() protocol.ModelId { return h.modelID }

// BaseURL reports the runtime endpoint.
func (h *Handle) BaseURL() string { return h.baseURL }

// Chat posts a completion request to the runtime. The request model
// defaults to the handle's model when unset.
func (h *Handle) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Model == "" {
		req.Model = string(h.modelID)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat call to %s: %w", h.modelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ChatResponse{}, fmt.Errorf("runtime for %s returned %d: %s", h.modelID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResponse{}, fmt.Errorf("decode chat response from %s: %w", h.modelID, err)
	}
	return out, nil
}

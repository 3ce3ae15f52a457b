package mockgemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Call records a generateContent request made to the mock service.
type Call struct {
	Model  string
	System string
	User   string

	// Schema is the responseSchema sent with the request, as raw JSON.
	Schema json.RawMessage
}

// Reply describes how the server answers one call.
type Reply struct {
	// Text is returned as the single candidate part. When empty, a placeholder
	// document is synthesized from the request's responseSchema.
	Text string

	// FinishReason defaults to STOP. SAFETY and friends simulate a refusal.
	FinishReason string

	// BlockReason, when set, blocks the prompt and returns no candidates.
	BlockReason string

	// Status, when non-zero and not 200, returns a Gemini-style error body.
	Status int
}

// Responder decides the reply for a call.
type Responder func(Call) Reply

// Server implements the minimal Gemini REST surface the genai SDK uses for
// models.generateContent.
type Server struct {
	mu        sync.Mutex
	calls     []Call
	queue     []Reply
	responder Responder
	apiKey    string
}

// New constructs a mock server that synthesizes schema-conforming answers.
func New() *Server {
	return &Server{}
}

// RequireAPIKey enforces that requests carry the key. Empty disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = strings.TrimSpace(key)
}

// Respond installs a responder used when no queued reply remains.
func (s *Server) Respond(fn Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = fn
}

// Enqueue appends replies that are served in order before the responder.
func (s *Server) Enqueue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/", s.handleModels)
	return mux
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		ResponseSchema json.RawMessage `json:"responseSchema,omitempty"`
	} `json:"generationConfig"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        int      `json:"index"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	// /v1beta/models/{model}:generateContent
	rest := strings.TrimPrefix(r.URL.Path, "/v1beta/models/")
	model, method, ok := strings.Cut(rest, ":")
	if !ok || model == "" || method != "generateContent" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "API key not valid")
		return
	}

	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req generateRequest
	if err := json.Unmarshal(b, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	call := Call{Model: model, User: joinText(req.Contents), Schema: req.GenerationConfig.ResponseSchema}
	if req.SystemInstruction != nil {
		call.System = joinText([]content{*req.SystemInstruction})
	}
	reply := s.next(call)

	if reply.Status != 0 && reply.Status != http.StatusOK {
		writeError(w, reply.Status, http.StatusText(reply.Status))
		return
	}

	resp := generateResponse{ModelVersion: model}
	switch {
	case reply.BlockReason != "":
		resp.PromptFeedback = &promptFeedback{BlockReason: reply.BlockReason}
	default:
		text := reply.Text
		if text == "" {
			text = synthesize(call.Schema)
		}
		finish := reply.FinishReason
		if finish == "" {
			finish = "STOP"
		}
		c := candidate{FinishReason: finish}
		if finish == "STOP" {
			c.Content = &content{Role: "model", Parts: []part{{Text: text}}}
		}
		resp.Candidates = []candidate{c}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	s.mu.Lock()
	expected := s.apiKey
	s.mu.Unlock()
	if expected == "" {
		return true
	}
	got := r.Header.Get("x-goog-api-key")
	if got == "" {
		got = r.URL.Query().Get("key")
	}
	return got == expected
}

func (s *Server) next(call Call) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r
	}
	if s.responder != nil {
		return s.responder(call)
	}
	return Reply{}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
			"status":  statusName(code),
		},
	})
}

func statusName(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case code == http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case code == http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case code/100 == 5:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

func joinText(cs []content) string {
	var sb strings.Builder
	for _, c := range cs {
		for _, p := range c.Parts {
			if p.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// synthesize builds a placeholder JSON document from a Gemini responseSchema.
func synthesize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return "{}"
	}
	b, err := json.Marshal(placeholder(schema, "value"))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func placeholder(schema map[string]any, name string) any {
	typ, _ := schema["type"].(string)
	switch strings.ToUpper(typ) {
	case "OBJECT":
		props, _ := schema["properties"].(map[string]any)
		out := make(map[string]any, len(props))
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub, _ := props[k].(map[string]any)
			out[k] = placeholder(sub, k)
		}
		return out
	case "ARRAY":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return []any{}
		}
		return []any{placeholder(items, name)}
	case "NUMBER", "INTEGER":
		return 0
	case "BOOLEAN":
		return false
	default:
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		return name
	}
}

package mockgemini_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/palantir/palantir-compute-module-structured-extract/pkg/mockgemini"
)

func post(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("x-goog-api-key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMockGemini_SynthesizesFromSchema(t *testing.T) {
	t.Parallel()

	srv := mockgemini.New()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]any{
		"contents": []any{map[string]any{"role": "user", "parts": []any{map[string]any{"text": "hello"}}}},
		"generationConfig": map[string]any{
			"responseSchema": map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"kind":  map[string]any{"type": "STRING", "format": "enum", "enum": []string{"a", "b"}},
					"count": map[string]any{"type": "NUMBER"},
				},
			},
		},
	}
	resp := post(t, ts.URL+"/v1beta/models/m:generateContent", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Candidates) != 1 || out.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("unexpected candidates: %+v", out.Candidates)
	}
	if got := out.Candidates[0].Content.Parts[0].Text; got != `{"count":0,"kind":"a"}` {
		t.Fatalf("text=%s", got)
	}
	calls := srv.Calls()
	if len(calls) != 1 || calls[0].Model != "m" || calls[0].User != "hello" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestMockGemini_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	srv := mockgemini.New()
	srv.RequireAPIKey("k")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if resp := post(t, ts.URL+"/v1beta/models/m:generateContent", "wrong", map[string]any{}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/v1beta/models/m:generateContent", "k", map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
}

func TestMockGemini_QueuedStatus(t *testing.T) {
	t.Parallel()

	srv := mockgemini.New()
	srv.Enqueue(mockgemini.Reply{Status: http.StatusTooManyRequests})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if resp := post(t, ts.URL+"/v1beta/models/m:generateContent", "", map[string]any{}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/v1beta/models/m:generateContent", "", map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200 after queue drained", resp.StatusCode)
	}
}

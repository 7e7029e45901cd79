package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantType string
	}{
		{"ollama", "*llm.ollamaProvider"},
		{"openai", "*llm.openAIProvider"},
		{"gemini", "*llm.geminiProvider"},
		{"custom", "*llm.openAICompatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := Config{
				Provider: tt.provider,
				Model:    "test-model",
			}
			p, err := NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider(%q) returned error: %v", tt.provider, err)
			}
			gotType := fmt.Sprintf("%T", p)
			if gotType != tt.wantType {
				t.Errorf("NewProvider(%q) type = %s, want %s", tt.provider, gotType, tt.wantType)
			}
		})
	}
}

func TestNewProviderUnknown(t *testing.T) {
	cfg := Config{
		Provider: "doesnotexist",
		Model:    "test-model",
	}
	_, err := NewProvider(cfg)
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	want := "unknown llm provider: doesnotexist"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestNewProviderEmpty(t *testing.T) {
	cfg := Config{
		Provider: "",
		Model:    "test-model",
	}
	_, err := NewProvider(cfg)
	if err == nil {
		t.Fatal("expected error for empty provider, got nil")
	}
	want := "llm provider not specified"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

// TestDefaultBaseURLs verifies that when BaseURL is empty in the config,
// each provider constructor sets the correct default.
func TestDefaultBaseURLs(t *testing.T) {
	tests := []struct {
		provider string
		wantURL  string
	}{
		{"ollama", "http://localhost:11434"},
		{"openai", "https://api.openai.com"},
		{"gemini", "https://generativelanguage.googleapis.com/v1beta/openai"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := Config{
				Provider: tt.provider,
				Model:    "test-model",
				// BaseURL intentionally left empty.
			}
			p, err := NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", tt.provider, err)
			}

			// Use reflection to reach base.cfg.BaseURL on the concrete type.
			v := reflect.ValueOf(p).Elem()
			base := v.FieldByName("base")
			cfgField := base.FieldByName("cfg")
			gotURL := cfgField.FieldByName("BaseURL").String()

			if gotURL != tt.wantURL {
				t.Errorf("default BaseURL for %q = %q, want %q", tt.provider, gotURL, tt.wantURL)
			}
		})
	}
}

// TestExplicitBaseURLPreserved verifies that a user-supplied BaseURL
// is not overwritten by the default.
func TestExplicitBaseURLPreserved(t *testing.T) {
	customURL := "http://my-server:9999"

	tests := []string{"ollama", "openai", "gemini", "custom"}
	for _, provider := range tests {
		t.Run(provider, func(t *testing.T) {
			cfg := Config{
				Provider: provider,
				Model:    "test-model",
				BaseURL:  customURL,
			}
			p, err := NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", provider, err)
			}

			v := reflect.ValueOf(p).Elem()
			base := v.FieldByName("base")
			cfgField := base.FieldByName("cfg")
			gotURL := cfgField.FieldByName("BaseURL").String()

			if gotURL != customURL {
				t.Errorf("provider %q BaseURL = %q, want %q", provider, gotURL, customURL)
			}
		})
	}
}

func TestMessageContentString(t *testing.T) {
	var m messageContent
	if err := json.Unmarshal([]byte(`"hello world"`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m) != "hello world" {
		t.Errorf("content = %q, want %q", m, "hello world")
	}
}

func TestMessageContentParts(t *testing.T) {
	raw := `[{"type":"text","text":"first "},{"type":"text","text":"second"},{"type":"image_url","text":"ignored"}]`
	var m messageContent
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m) != "first second" {
		t.Errorf("content = %q, want %q", m, "first second")
	}
}

func TestMessageContentInvalid(t *testing.T) {
	var m messageContent
	if err := json.Unmarshal([]byte(`42`), &m); err == nil {
		t.Fatal("expected error for numeric content, got nil")
	}
}

// TestChatSegmentedResponse runs a full chat call against a server that
// returns the content as an array of text parts.
func TestChatSegmentedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{
				"message": {"content": [{"type":"text","text":"{\"nodes\""},{"type":"text","text":":[]}"}]},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "test-model", BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"nodes":[]}` {
		t.Errorf("content = %q, want %q", resp.Content, `{"nodes":[]}`)
	}
	if resp.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.TotalTokens)
	}
}

// TestChatModelFallback verifies the config model is used when the
// request leaves Model empty.
func TestChatModelFallback(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotModel = body.Model
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "cfg-model", BaseURL: srv.URL})
	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotModel != "cfg-model" {
		t.Errorf("model sent = %q, want %q", gotModel, "cfg-model")
	}
}

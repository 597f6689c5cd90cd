package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result := ParseJSONResponse(`{"key": "value", "num": 42}`)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
	if result["num"] != float64(42) {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	text := "```json\n{\"key\": \"value\"}\n```"
	result := ParseJSONResponse(text)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseWithPlainFence(t *testing.T) {
	text := "```\n{\"key\": \"value\"}\n```"
	result := ParseJSONResponse(text)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseInvalid(t *testing.T) {
	result := ParseJSONResponse("not json at all")
	if result != nil {
		t.Error("expected nil for invalid JSON")
	}
}

func TestParseJSONResponseEmpty(t *testing.T) {
	result := ParseJSONResponse("")
	if result != nil {
		t.Error("expected nil for empty string")
	}
}

func TestParseJSONResponseWhitespace(t *testing.T) {
	result := ParseJSONResponse("  \n  {\"key\": \"value\"}  \n  ")
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseWithProse(t *testing.T) {
	result := ParseJSONResponse("Sure, here you go:\n{\"duplicate\": true}\nHope that helps.")
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if !GetBool(result, "duplicate", false) {
		t.Errorf("expected duplicate=true, got %v", result["duplicate"])
	}
}

func TestGetters(t *testing.T) {
	m := ParseJSONResponse(`{"s":"x","i":7,"f":6.5,"b":true,"l":["a","b","c"]}`)
	if GetString(m, "s", "") != "x" {
		t.Errorf("expected s='x', got %q", GetString(m, "s", ""))
	}
	if GetInt(m, "i", 0) != 7 {
		t.Errorf("expected i=7, got %d", GetInt(m, "i", 0))
	}
	if GetFloat(m, "f", 0) != 6.5 {
		t.Errorf("expected f=6.5, got %v", GetFloat(m, "f", 0))
	}
	if GetInt(m, "missing", 3) != 3 {
		t.Error("expected fallback for missing key")
	}
	if got := GetStrings(m, "l", 2); len(got) != 2 || got[1] != "b" {
		t.Errorf("expected capped list [a b], got %v", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("upstream")
	if err := classifyStatus(http.StatusTooManyRequests, "", base); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limited, got %v", err)
	}
	if err := classifyStatus(http.StatusBadRequest, "RESOURCE_EXHAUSTED: quota", base); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limited, got %v", err)
	}
	if err := classifyStatus(http.StatusNotFound, "", base); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected model unavailable, got %v", err)
	}
	if err := classifyStatus(http.StatusBadRequest, "model gemini-1.0 is deprecated", base); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected model unavailable, got %v", err)
	}
	if err := classifyStatus(http.StatusInternalServerError, "oops", base); err != base {
		t.Errorf("expected passthrough, got %v", err)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	err := classifyOpenAI(&openai.APIError{HTTPStatusCode: http.StatusNotFound, Message: "models/gemini-x is not found"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected model unavailable, got %v", err)
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	t.Setenv("KBCURATOR_TEST_KEY", "")
	if _, err := NewOpenAIProvider("", "KBCURATOR_TEST_KEY", 0); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	t.Setenv("KBCURATOR_TEST_KEY", "k")
	p, err := NewOpenAIProvider("https://example.test/v1/", "KBCURATOR_TEST_KEY", time.Second)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("expected name 'openai', got %q", p.Name())
	}
}

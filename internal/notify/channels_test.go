/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSlackChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#alerts")
	err := ch.Send(context.Background(), Message{
		AgentID:  "agent-light-01",
		Severity: "critical",
		Title:    "Tamper detected",
		Body:     "agent-light-01 EDR service was stopped",
	})

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["channel"] != "#alerts" {
		t.Errorf("channel = %v, want #alerts", received["channel"])
	}
	text, _ := received["text"].(string)
	if text == "" {
		t.Error("expected text in payload")
	}
}

func TestTelegramChannel_Type(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ch := &TelegramChannel{
		BotToken: "fake-token",
		ChatID:   "12345",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	// Override URL for testing
	origURL := "https://api.telegram.org/botfake-token/sendMessage"
	_ = origURL
	// We can't easily override the URL, so test the webhook channel instead
	// which uses the same pattern. Telegram test would need URL injection.
	// For now, verify the channel type.
	if ch.Type() != "telegram" {
		t.Errorf("Type() = %q, want telegram", ch.Type())
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		if r.Header.Get("X-Custom") != "test-value" {
			t.Errorf("missing custom header")
		}

		w.WriteHeader(200)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, map[string]string{"X-Custom": "test-value"})
	err := ch.Send(context.Background(), Message{
		AgentID:   "agent-forge",
		EventType: "tamper.detected",
		Severity:  "warning",
		Title:     "Command result pending",
		Body:      "isolation command has not acknowledged",
		Timestamp: time.Date(2026, 2, 20, 22, 0, 0, 0, time.UTC),
	})

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["agent"] != "agent-forge" {
		t.Errorf("agent = %v, want agent-forge", received["agent"])
	}
	if received["severity"] != "warning" {
		t.Errorf("severity = %v, want warning", received["severity"])
	}
}

func TestWebhookChannel_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte("internal error"))
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, nil)
	err := ch.Send(context.Background(), Message{
		AgentID:  "agent-test",
		Severity: "info",
	})

	if err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestRouter_Notify_Critical(t *testing.T) {
	var slackCalls, webhookCalls int

	slackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackCalls++
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer slackServer.Close()

	webhookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalls++
		w.WriteHeader(200)
	}))
	defer webhookServer.Close()

	router := NewRouter(SeverityRoute{
		Info:     []Channel{NewWebhookChannel(webhookServer.URL, nil)},
		Warning:  []Channel{},
		Critical: []Channel{NewSlackChannel(slackServer.URL, "")},
	}, nil, zap.NewNop())

	errs := router.Notify(context.Background(), Message{
		AgentID:  "agent-watchman",
		Severity: "critical",
		Title:    "Agent offline unexpectedly",
		Body:     "agent-watchman missed 3 consecutive heartbeats",
	})

	if len(errs) > 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	// Critical routes to critical + warning + info channels
	if slackCalls != 1 {
		t.Errorf("slack calls = %d, want 1", slackCalls)
	}
	if webhookCalls != 1 {
		t.Errorf("webhook calls = %d, want 1 (info channel gets critical too)", webhookCalls)
	}
}

func TestRouter_Notify_Info(t *testing.T) {
	var slackCalls, webhookCalls int

	slackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackCalls++
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer slackServer.Close()

	webhookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalls++
		w.WriteHeader(200)
	}))
	defer webhookServer.Close()

	router := NewRouter(SeverityRoute{
		Info:     []Channel{NewWebhookChannel(webhookServer.URL, nil)},
		Critical: []Channel{NewSlackChannel(slackServer.URL, "")},
	}, nil, zap.NewNop())

	router.Notify(context.Background(), Message{
		AgentID:  "agent-herald",
		Severity: "info",
		Title:    "Daily fleet summary",
		Body:     "All agents nominal",
	})

	// Info should only go to info channels
	if slackCalls != 0 {
		t.Errorf("slack calls = %d, want 0 (info shouldn't go to critical channel)", slackCalls)
	}
	if webhookCalls != 1 {
		t.Errorf("webhook calls = %d, want 1", webhookCalls)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("agent-watchman") {
			t.Errorf("call %d should be allowed", i+1)
		}
	}

	if rl.Allow("agent-watchman") {
		t.Error("4th call should be rate-limited")
	}

	if !rl.Allow("agent-forge") {
		t.Error("different agent should be allowed")
	}
}

func TestRateLimiter_PerAgent(t *testing.T) {
	rl := NewRateLimiter(1)

	rl.Allow("agent-a")
	rl.Allow("agent-b")

	if rl.Allow("agent-a") {
		t.Error("agent-a should be rate-limited")
	}
	if rl.Allow("agent-b") {
		t.Error("agent-b should be rate-limited")
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"critical", "🔴"},
		{"warning", "🟡"},
		{"info", "🔵"},
		{"unknown", "⚪"},
	}
	for _, tt := range tests {
		got := severityEmoji(tt.severity)
		if got != tt.want {
			t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	input := "Hello *world* [test](link) _under_"
	escaped := escapeMarkdown(input)
	if escaped == input {
		t.Error("expected markdown to be escaped")
	}
	if !contains(escaped, "\\*") {
		t.Error("expected * to be escaped")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsImpl(s, substr))
}

func containsImpl(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

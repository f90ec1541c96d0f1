package main

import (
	"strings"
	"testing"

	"consultease/sync-service/internal/config"
)

func TestTopicScheme(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.TopicsConfig
		wantStatus string
		wantLegacy string
	}{
		{"defaults", config.TopicsConfig{}, "consultease/faculty/2/status_update", "professor/status"},
		{"custom prefix", config.TopicsConfig{Prefix: "campus/"}, "campus/faculty/2/status_update", "professor/status"},
		{"custom legacy", config.TopicsConfig{LegacyStatus: "desk/status"}, "consultease/faculty/2/status_update", "desk/status"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scheme := topicScheme(tc.cfg)
			if got := scheme.StatusUpdate(2); got != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, got)
			}
			if scheme.LegacyStatus != tc.wantLegacy {
				t.Fatalf("expected %s, got %s", tc.wantLegacy, scheme.LegacyStatus)
			}
		})
	}
}

func TestClientIDIsUnique(t *testing.T) {
	a, b := clientID("desk"), clientID("desk")
	if a == b {
		t.Fatalf("expected distinct client ids, got %s twice", a)
	}
	if !strings.HasPrefix(a, "desk-") {
		t.Fatalf("unexpected client id %s", a)
	}
	if !strings.HasPrefix(clientID(""), "consultease-sync-") {
		t.Fatal("expected default client id prefix")
	}
}

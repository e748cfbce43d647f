package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderUsesGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "Staging"
	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	if provider.Meter("test") == nil {
		t.Fatal("expected meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if Environment() != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
}

func TestResultAttributesCarryEnvironment(t *testing.T) {
	attrs := attribute.NewSet(ResultAttributes(ResultFailed)...)
	if v, ok := attrs.Value(AttrResult); !ok || v.AsString() != ResultFailed {
		t.Fatalf("expected result attribute, got %v", attrs)
	}
	if _, ok := attrs.Value(AttrEnvironment); !ok {
		t.Fatal("expected environment attribute")
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

package observability

import (
	"context"
	"errors"
	"testing"
)

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, end := p.StartSpan(context.Background(), "claim.check")
	if ctx == nil {
		t.Fatal("context must pass through")
	}
	end(errors.New("ignored"))

	p.RecordReplay(context.Background(), "tenant-1")
	p.RecordPublishFailure(context.Background(), "lifecycle.queue_entry")

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("disabled provider shutdown must be clean: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "replen-pipeline" || !cfg.Enabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected full sampling by default, got %f", cfg.SampleRate)
	}
}

package services_test

import (
	"context"
	"testing"

	"stageguard/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithItemID(ctx, "doc-42")
	ctx = services.WithStage(ctx, "enrichment")
	ctx = services.WithDependency(ctx, "notion")
	ctx = services.WithRequestID(ctx, "req-123")
	ctx = services.WithAttempt(ctx, 2)

	if id, ok := services.ItemIDFromContext(ctx); !ok || id != "doc-42" {
		t.Fatalf("unexpected item id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "enrichment" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if dep, ok := services.DependencyFromContext(ctx); !ok || dep != "notion" {
		t.Fatalf("unexpected dependency: %v %v", dep, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
	if attempt, ok := services.AttemptFromContext(ctx); !ok || attempt != 2 {
		t.Fatalf("unexpected attempt: %v %v", attempt, ok)
	}
}

func TestStageBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	ctx = services.WithItemID(ctx, "")
	if _, ok := services.ItemIDFromContext(ctx); ok {
		t.Fatal("expected no item id value")
	}
}

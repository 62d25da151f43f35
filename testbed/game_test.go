package testbed

import (
	"context"
	"testing"
	"time"

	"github.com/spaghettifunk/vesta/engine"
	"github.com/spaghettifunk/vesta/engine/config"
)

func TestCubeMesh(t *testing.T) {
	m := cube()
	if m.VertexCount() != 8 {
		t.Errorf("vertex count = %d, want 8", m.VertexCount())
	}
	if len(m.Indices) != 36 {
		t.Errorf("index count = %d, want 36", len(m.Indices))
	}
	for _, i := range m.Indices {
		if i >= m.VertexCount() {
			t.Fatalf("index %d out of range", i)
		}
	}
}

func TestChecker(t *testing.T) {
	pb := checker(64, 3)
	if !pb.Valid() {
		t.Fatal("checker pixel buffer is invalid")
	}
	// first tile is tinted, the next one is dark
	if pb.Pixels[0] == 32 || pb.Pixels[32*4] != 32 {
		t.Errorf("unexpected checker pattern")
	}
	if pb.Pixels[3] != 255 {
		t.Errorf("alpha = %d", pb.Pixels[3])
	}
}

func TestTestbedFinishesInitialLoad(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Backend = config.BackendHeadless
	cfg.Engine.AssetRoot = t.TempDir()
	cfg.Engine.MaxFrames = 10
	cfg.Streaming.Workers = -1

	tb := NewTestGame()
	e, err := engine.New(cfg, tb.Game)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	state := tb.state()
	if state.loading {
		t.Fatal("initial load never finished")
	}
	for id, critical := range state.critical {
		if _, failed := state.failed[id]; critical && failed {
			t.Errorf("critical texture %s failed", id)
		}
	}
	if len(state.renderables) != gridSize*gridSize {
		t.Errorf("renderables = %d", len(state.renderables))
	}
}

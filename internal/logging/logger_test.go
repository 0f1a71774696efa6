package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestCategoriesWriteFiles checks that enabled categories create their own files.
func TestCategoriesWriteFiles(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(Options{Enabled: true, Dir: dir, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Initialize(Options{})

	Agent("agent message %d", 1)
	SamplerDebug("sampler debug %s", "x")
	CloseAll()

	for _, cat := range []Category{CategoryBoot, CategoryAgent, CategorySampler} {
		matches, _ := filepath.Glob(filepath.Join(dir, "*_"+string(cat)+".log"))
		if len(matches) != 1 {
			t.Fatalf("expected one log file for %s, got %v", cat, matches)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*_agent.log"))
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "agent message 1") {
		t.Errorf("agent log missing message: %q", data)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(Options{
		Enabled:    true,
		Dir:        dir,
		Categories: map[string]bool{"tactile": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Initialize(Options{})

	if IsCategoryEnabled(CategoryTactile) {
		t.Errorf("tactile should be disabled")
	}
	if !IsCategoryEnabled(CategoryReplay) {
		t.Errorf("unlisted categories default to enabled")
	}
	Tactile("should not be written")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dir, "*_tactile.log"))
	if len(matches) != 0 {
		t.Errorf("disabled category created files: %v", matches)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	if err := Initialize(Options{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	Rollout("nothing %d", 1)
	if IsCategoryEnabled(CategoryRollout) {
		t.Errorf("categories must be disabled when logging is off")
	}
}

func TestInvalidLevel(t *testing.T) {
	if err := Initialize(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	Initialize(Options{})
}

func TestConsoleMirrorsWarnings(t *testing.T) {
	core, recorded := observer.New(zap.DebugLevel)
	if err := Initialize(Options{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	SetConsole(zap.New(core))
	defer SetConsole(nil)

	Verifier("info is not mirrored")
	VerifierWarn("judge fell back: %s", "out of range")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 mirrored entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "verifier" || !strings.Contains(entries[0].Message, "out of range") {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

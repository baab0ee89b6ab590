package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.manager.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(env.manager.List()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestLoadLegacyManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	folder := filepath.Join(env.manager.BaseDir(), "Old")
	legacy := fmt.Sprintf(`[
  {"Id": "4f8e0f0e-0000-4000-8000-000000000001", "Name": "Old", "FolderPath": %q,
   "JarUrl": "https://example.com/server.jar", "TunnelCommand": null},
  {"id": "", "name": "Relative", "folderPath": "rel"}
]`, folder)
	if err := os.WriteFile(env.manager.ManifestPath(), []byte("\xef\xbb\xbf"+legacy), 0644); err != nil {
		t.Fatal(err)
	}

	if err := env.manager.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	list := env.manager.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list))
	}
	old := list[0]
	if old.ID != "4f8e0f0e-0000-4000-8000-000000000001" || old.Name != "Old" || old.FolderPath != folder {
		t.Fatalf("unexpected legacy entry %+v", old)
	}
	if old.ArtifactURL == nil || *old.ArtifactURL != "https://example.com/server.jar" {
		t.Fatalf("legacy jar url not mapped: %+v", old.ArtifactURL)
	}
	if old.TunnelCommand != nil {
		t.Fatalf("expected nil tunnel command")
	}
	if list[1].ID == "" || list[1].FolderPath != filepath.Join(env.manager.BaseDir(), "rel") {
		t.Fatalf("unexpected relative entry %+v", list[1])
	}

	// saving writes the current key spelling only
	if err := env.manager.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(env.manager.ManifestPath())
	if strings.Contains(string(data), "jarUrl") || !strings.Contains(string(data), `"artifactUrl": "https://example.com/server.jar"`) {
		t.Fatalf("unexpected manifest %s", data)
	}
}

func TestLoadInvalidManifestKeepsRegistry(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.manager.CreateServer(context.Background(), "Keep", ""); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.manager.ManifestPath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Load(); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if len(env.manager.List()) != 1 {
		t.Fatalf("registry should be unchanged")
	}
}

func TestLoadRefusedWhileRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	createStarted(t, env, "Live")
	if err := env.manager.Load(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.manager.CreateServer(ctx, "One", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.CreateServer(ctx, "Two", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetTunnelCommand("Two", `"C:\Program Files\ngrok\ngrok.exe" tcp 25566`); err != nil {
		t.Fatal(err)
	}
	before := env.manager.List()

	other, err := NewManager(env.manager.Settings(), nil, WithLauncher(&fakeLauncher{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	after := other.List()
	if len(after) != len(before) {
		t.Fatalf("expected %d instances, got %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Name != after[i].Name || before[i].FolderPath != after[i].FolderPath {
			t.Fatalf("entry %d differs: %+v vs %+v", i, before[i], after[i])
		}
	}
	if after[1].TunnelCommand == nil || !strings.Contains(*after[1].TunnelCommand, "25566") {
		t.Fatalf("tunnel command lost: %+v", after[1].TunnelCommand)
	}

	matches, _ := filepath.Glob(filepath.Join(env.manager.BaseDir(), ".servers-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestDiscoverServers(t *testing.T) {
	env := newTestEnv(t, nil)
	known, err := env.manager.CreateServer(context.Background(), "Known", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{"Fresh", "Another"} {
		if err := os.Mkdir(filepath.Join(env.manager.BaseDir(), dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(env.manager.BaseDir(), "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	found := env.manager.DiscoverServers()
	if len(found) != 2 || found[0].Name != "Another" || found[1].Name != "Fresh" {
		t.Fatalf("unexpected discovery %+v", found)
	}
	if found[0].ArtifactURL != nil || found[0].Status != StatusStopped {
		t.Fatalf("discovered instance should be bare: %+v", found[0])
	}
	want := fmt.Sprintf("<discovered server folder: %s>", found[1].FolderPath)
	if env.events.count(found[1].ID, want) != 1 {
		t.Fatalf("missing discovery event: %v", env.events.lines(found[1].ID))
	}
	if env.events.count(known.ID, fmt.Sprintf("<discovered server folder: %s>", known.FolderPath)) != 0 {
		t.Fatalf("registered folder should not be rediscovered")
	}

	if again := env.manager.DiscoverServers(); len(again) != 0 {
		t.Fatalf("second discovery should find nothing, got %+v", again)
	}
	if len(env.manager.List()) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(env.manager.List()))
	}
}

func TestDiscoverServersNameCollision(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.manager.BaseDir()
	manifest := fmt.Sprintf(`[{"id": "a", "name": "Hub", "folderPath": %q}]`, filepath.Join(base, "elsewhere"))
	if err := os.WriteFile(env.manager.ManifestPath(), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Load(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{"elsewhere", "Hub"} {
		if err := os.Mkdir(filepath.Join(base, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}

	found := env.manager.DiscoverServers()
	if len(found) != 1 || found[0].Name != "Hub_1" || filepath.Base(found[0].FolderPath) != "Hub" {
		t.Fatalf("expected Hub_1 in folder Hub, got %+v", found)
	}
}

func TestDiscoverServersFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.manager.BaseDir()
	if err := os.RemoveAll(base); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(base, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}

	if found := env.manager.DiscoverServers(); len(found) != 0 {
		t.Fatalf("expected nothing, got %+v", found)
	}
	if !env.events.hasPrefix(DiscoveryInstanceID, "<discovery failed: ") {
		t.Fatalf("missing failure event: %v", env.events.lines(DiscoveryInstanceID))
	}
}

func TestMakeSafeName(t *testing.T) {
	tests := map[string]string{
		"Survival":       "Survival",
		"a/b\\c":         "a_b_c",
		`what?<>:"|*`:    "what_______",
		"..":             "_",
		"   ":            "_",
		"tab\there":      "tab_here",
		"  padded name ": "padded name",
	}
	for in, want := range tests {
		if got := MakeSafeName(in); got != want {
			t.Errorf("MakeSafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReadManifestMissing(t *testing.T) {
	infos, err := ReadManifest(filepath.Join(t.TempDir(), ManifestFileName))
	if err != nil || len(infos) != 0 {
		t.Fatalf("expected empty result, got %v %v", infos, err)
	}
}

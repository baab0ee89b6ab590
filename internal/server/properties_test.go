package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestUpdateAndReadProperties(t *testing.T) {
	env := newTestEnv(t, nil)
	info, err := env.manager.CreateServer(context.Background(), "Props", "")
	if err != nil {
		t.Fatal(err)
	}

	props, err := env.manager.ReadProperties("Props")
	if err != nil || len(props) != 0 {
		t.Fatalf("expected empty properties, got %v %v", props, err)
	}

	path := filepath.Join(info.FolderPath, "server.properties")
	if err := os.WriteFile(path, []byte("#header\nmotd=Hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	props, err = env.manager.UpdateProperties("Props", map[string]string{"motd": "Bye", "pvp": "false"})
	if err != nil {
		t.Fatalf("UpdateProperties: %v", err)
	}
	if props["motd"] != "Bye" || props["pvp"] != "false" {
		t.Fatalf("unexpected properties %v", props)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "#header\nmotd=Bye\npvp=false\n" {
		t.Fatalf("unexpected file %q", data)
	}

	if _, err := env.manager.UpdateProperties("Props", map[string]string{"bad": "a\nb"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := env.manager.ReadProperties("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

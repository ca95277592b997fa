package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{
			name: "empty",
			ctx:  Context{},
			want: "(none)",
		},
		{
			name: "host only",
			ctx:  Context{Host: "web-1"},
			want: "web-1",
		},
		{
			name: "user and port",
			ctx:  Context{Host: "web-1", User: "deploy", Port: 2222},
			want: "deploy@web-1:2222",
		},
		{
			name: "sudo",
			ctx:  Context{Host: "db", Sudo: true},
			want: "db (sudo)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("Context.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_SetTargetResetsSudo(t *testing.T) {
	ctx := &Context{Host: "old", Sudo: true}
	ctx.SetTarget("new", "root", 22)

	if ctx.Host != "new" || ctx.User != "root" || ctx.Port != 22 {
		t.Errorf("unexpected target %+v", ctx)
	}
	if ctx.Sudo {
		t.Error("SetTarget should reset sudo")
	}
	if ctx.UpdatedAt.IsZero() {
		t.Error("SetTarget should stamp UpdatedAt")
	}
}

func TestContextStore_SaveLoad(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "context.yaml"))

	ctx := &Context{Host: "bastion", User: "ops", Port: 2200, Sudo: true}
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Host != ctx.Host || loaded.User != ctx.User || loaded.Port != ctx.Port || loaded.Sudo != ctx.Sudo {
		t.Errorf("loaded %+v, want %+v", loaded, ctx)
	}
}

func TestContextStore_LoadEmpty(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "context.yaml"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Error("Load() should return empty context for non-existent file")
	}
}

func TestContextStore_Clear(t *testing.T) {
	contextPath := filepath.Join(t.TempDir(), "context.yaml")
	store := NewContextStore(contextPath)

	if err := store.Save(&Context{Host: "web-1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(contextPath); os.IsNotExist(err) {
		t.Fatal("context file should exist after save")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(contextPath); !os.IsNotExist(err) {
		t.Error("context file should be removed after clear")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() after Clear() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Error("Load() after Clear() should return empty context")
	}
}

package kv_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/deepmem/deepmem/pkg/kv"
)

func TestBadgerDirRequired(t *testing.T) {
	_, err := kv.NewBadger(kv.BadgerOptions{})
	if err == nil {
		t.Fatal("NewBadger accepted on-disk mode without a directory")
	}
	if !strings.Contains(err.Error(), "Dir is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	ctx := context.Background()
	key := kv.Key{"vec", "acme", "mem_1"}

	open := func() *kv.Badger {
		t.Helper()
		s, err := kv.NewBadger(kv.BadgerOptions{Dir: dir, SyncWrites: true})
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		return s
	}

	s := open()
	if err := s.Set(ctx, key, []byte("survives restart")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = open()
	defer s.Close()
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "survives restart" {
		t.Fatalf("Get = %q, want the pre-restart value", got)
	}
}

func TestBadgerRunGC(t *testing.T) {
	t.Run("idle store reports no rewrite", func(t *testing.T) {
		s, err := kv.NewBadger(kv.BadgerOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		defer s.Close()
		if err := s.RunGC(0.5); !errors.Is(err, badger.ErrNoRewrite) {
			t.Fatalf("RunGC = %v, want ErrNoRewrite", err)
		}
	})

	t.Run("in-memory store always errors", func(t *testing.T) {
		// The serve loop keeps collecting while RunGC returns nil, so an
		// in-memory store must terminate that loop on the first call.
		s, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		defer s.Close()
		if err := s.RunGC(0.5); err == nil {
			t.Fatal("RunGC on an in-memory store returned nil")
		}
	})
}

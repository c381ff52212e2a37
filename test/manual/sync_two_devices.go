//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskmesh/taskmesh/internal/service"
	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/syncer"
)

// Manual walkthrough of the two-device sync flow against a filesystem
// remote. Run with: go run test/manual/sync_two_devices.go
//
// 1. Device A creates a task and syncs.
// 2. Device B syncs and sees the task.
// 3. B marks it done while A deletes it; after the next full sync the
//    later update wins on both devices and the task is alive and done.

func main() {
	dir, err := os.MkdirTemp("", "taskmesh-manual-*")
	if err != nil {
		fail(err)
	}
	defer os.RemoveAll(dir)
	fmt.Println("working in", dir)

	remote, err := syncer.OpenFS(filepath.Join(dir, "remote.db"), 0)
	if err != nil {
		fail(err)
	}
	defer remote.Close()

	a := mustDevice(filepath.Join(dir, "device-a.db"), remote)
	b := mustDevice(filepath.Join(dir, "device-b.db"), remote)
	ctx := context.Background()

	created, err := a.svc.Add(ctx, service.AddInput{Title: "ship the release"}, "")
	if err != nil {
		fail(err)
	}
	fmt.Println("A created", created.ID)

	syncAll(ctx, a, b)
	got, err := b.svc.Get(ctx, created.ID)
	if err != nil || got == nil {
		fail(fmt.Errorf("B does not see the task: %v", err))
	}
	fmt.Println("B sees", got.ID, got.Title)

	// Conflicting offline edits: A deletes first, B updates later.
	if _, err := a.svc.Delete(ctx, created.ID, ""); err != nil {
		fail(err)
	}
	done := "done"
	if _, err := b.svc.Update(ctx, created.ID, map[string]*string{"status": &done}, ""); err != nil {
		fail(err)
	}

	syncAll(ctx, a, b)
	syncAll(ctx, a, b)

	for name, d := range map[string]*device{"A": a, "B": b} {
		got, err := d.svc.Get(ctx, created.ID)
		if err != nil {
			fail(err)
		}
		if got == nil {
			fail(fmt.Errorf("device %s: task lost to the delete", name))
		}
		fmt.Printf("device %s: status=%s deleted=%v\n", name, got.Status, got.Deleted())
	}
	fmt.Println("converged: the later update outlived the delete")
}

type device struct {
	svc *service.Service
	eng *syncer.Engine
}

func mustDevice(path string, remote syncer.Remote) *device {
	store, err := storage.Open(path)
	if err != nil {
		fail(err)
	}
	svc, err := service.New(store)
	if err != nil {
		fail(err)
	}
	return &device{svc: svc, eng: syncer.NewEngine(store, remote, svc.DeviceID())}
}

func syncAll(ctx context.Context, devices ...*device) {
	for _, d := range devices {
		if _, _, err := d.eng.Sync(ctx); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

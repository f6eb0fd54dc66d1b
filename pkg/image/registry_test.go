package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/executor"
)

func newTestRegistry(t *testing.T, exec executor.Executor) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(Config{RootDir: dir, RegistryFile: filepath.Join(dir, "registry.json")}, exec, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegistry_RegisterAndGetImage(t *testing.T) {
	reg := newTestRegistry(t, &executor.Fake{})
	dir := t.TempDir()
	path := writeFile(t, dir, "vmlinux.bin", 2*1024*1024)

	rec, err := reg.RegisterImage(context.Background(), "kernel-5.10", path, domain.OSLinux, nil)
	if err != nil {
		t.Fatalf("RegisterImage failed: %v", err)
	}
	if rec.Checksum == "" {
		t.Error("expected a non-empty checksum")
	}

	got, ok := reg.GetImage("kernel-5.10")
	if !ok {
		t.Fatal("expected image to be registered")
	}
	if got.Checksum != rec.Checksum {
		t.Errorf("checksum mismatch between register and get")
	}
}

func TestRegistry_ValidateImage_RejectsUndersizedKernel(t *testing.T) {
	reg := newTestRegistry(t, &executor.Fake{})
	dir := t.TempDir()
	path := writeFile(t, dir, "tiny.bin", 100)

	if err := reg.ValidateImage(context.Background(), path, domain.OSLinux); err == nil {
		t.Error("expected validation error for an undersized kernel image")
	}
}

func TestRegistry_ValidateImage_MissingFile(t *testing.T) {
	reg := newTestRegistry(t, &executor.Fake{})
	err := reg.ValidateImage(context.Background(), "/no/such/path.bin", domain.OSLinux)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var derr *domain.Error
	if ok := asDomainError(err, &derr); !ok || derr.Category != domain.CategoryNotFound {
		t.Errorf("expected CategoryNotFound, got %v", err)
	}
}

func TestRegistry_ValidateImage_Windows_ChecksQemuImgFormat(t *testing.T) {
	fake := &executor.Fake{Results: []executor.Result{
		{ExitCode: 0, Stdout: []byte(`{"format": "qcow2"}`)},
	}}
	reg := newTestRegistry(t, fake)
	dir := t.TempDir()
	path := writeFile(t, dir, "disk.qcow2", 200*1024*1024)

	if err := reg.ValidateImage(context.Background(), path, domain.OSWindows); err != nil {
		t.Fatalf("expected valid qcow2 image to pass, got %v", err)
	}
	if len(fake.Calls) != 1 || fake.Calls[0].Argv[0] != "qemu-img" {
		t.Errorf("expected a qemu-img info call, got %+v", fake.Calls)
	}
}

func TestRegistry_VerifyImageIntegrity_DetectsTampering(t *testing.T) {
	reg := newTestRegistry(t, &executor.Fake{})
	dir := t.TempDir()
	path := writeFile(t, dir, "vmlinux.bin", 2*1024*1024)

	if _, err := reg.RegisterImage(context.Background(), "k1", path, domain.OSLinux, nil); err != nil {
		t.Fatalf("RegisterImage failed: %v", err)
	}

	if err := os.WriteFile(path, make([]byte, 3*1024*1024), 0644); err != nil {
		t.Fatal(err)
	}

	ok, err := reg.VerifyImageIntegrity(context.Background(), "k1")
	if err != nil {
		t.Fatalf("VerifyImageIntegrity failed: %v", err)
	}
	if ok {
		t.Error("expected integrity check to fail after the file was modified")
	}
}

func TestRegistry_RemoveImage(t *testing.T) {
	reg := newTestRegistry(t, &executor.Fake{})
	dir := t.TempDir()
	path := writeFile(t, dir, "vmlinux.bin", 2*1024*1024)
	reg.RegisterImage(context.Background(), "k1", path, domain.OSLinux, nil)

	if !reg.RemoveImage("k1") {
		t.Fatal("expected RemoveImage to succeed")
	}
	if _, ok := reg.GetImage("k1"); ok {
		t.Error("expected image to be gone from the catalog")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("expected underlying file to remain untouched")
	}
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	regFile := filepath.Join(dir, "registry.json")
	path := writeFile(t, dir, "vmlinux.bin", 2*1024*1024)

	reg1, err := NewRegistry(Config{RootDir: dir, RegistryFile: regFile}, &executor.Fake{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	reg1.RegisterImage(context.Background(), "k1", path, domain.OSLinux, nil)

	reg2, err := NewRegistry(Config{RootDir: dir, RegistryFile: regFile}, &executor.Fake{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg2.GetImage("k1"); !ok {
		t.Error("expected catalog to persist and reload from disk")
	}
}

func asDomainError(err error, target **domain.Error) bool {
	de, ok := err.(*domain.Error)
	if ok {
		*target = de
	}
	return ok
}

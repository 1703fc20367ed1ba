package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_RealFS_Exists_Returns_False_When_Path_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	dir := t.TempDir()

	exists, err := fs.Exists(filepath.Join(dir, "does-not-exist.lock"))

	if got, want := err, error(nil); !errors.Is(got, want) {
		t.Fatalf("err=%v, want=%v", got, want)
	}

	if got, want := exists, false; got != want {
		t.Fatalf("exists=%v, want=%v", got, want)
	}
}

func Test_RealFS_Exists_Returns_True_When_Path_Is_A_Directory(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	subdir := filepath.Join(t.TempDir(), "locks")

	if err := fs.MkdirAll(subdir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exists, err := fs.Exists(subdir)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if !exists {
		t.Fatalf("exists=false, want=true")
	}
}

func Test_RealFS_OpenFile_Returns_ErrExist_When_Exclusive_Create_Races_Existing_File(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	path := filepath.Join(t.TempDir(), "0700000000000000")

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		t.Fatalf("first OpenFile: %v", err)
	}
	defer f.Close()

	_, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("second OpenFile: err=%v, want %v", err, os.ErrExist)
	}
}

func Test_RealFS_File_Supports_Positioned_IO_When_Opened_For_Append(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	path := filepath.Join(t.TempDir(), "log")

	rw, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile rw: %v", err)
	}
	defer rw.Close()

	app, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile append: %v", err)
	}
	defer app.Close()

	if _, err := app.Write([]byte("aaaa")); err != nil {
		t.Fatalf("append 1: %v", err)
	}

	if _, err := app.Write([]byte("bbbb")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if _, err := rw.WriteAt([]byte{0, 0}, 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := rw.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if got, want := string(buf), "aa\x00\x00bbbb"; got != want {
		t.Fatalf("content=%q, want=%q", got, want)
	}
}

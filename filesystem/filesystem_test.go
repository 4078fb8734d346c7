package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveConcatenatesVerbatim(t *testing.T) {
	fs, err := NewLocalFileSystem("/srv/www")
	if err != nil {
		t.Fatal(err)
	}

	if got := fs.Resolve([]byte("/index.html")); got != "/srv/www/index.html" {
		t.Errorf("Expected /srv/www/index.html, got %s", got)
	}

	// Known vulnerability: traversal segments are kept as sent.
	if got := fs.Resolve([]byte("/../../etc/passwd")); got != "/srv/www/../../etc/passwd" {
		t.Errorf("Expected unsanitized /srv/www/../../etc/passwd, got %s", got)
	}
}

func TestNewLocalFileSystemRequiresAbsoluteRoot(t *testing.T) {
	for _, root := range []string{"", "www", "./www"} {
		if _, err := NewLocalFileSystem(root); err == nil {
			t.Errorf("Expected error for root %q", root)
		}
	}
}

func TestLocalFileSystemOpen(t *testing.T) {
	tempDir := t.TempDir()
	fs, err := NewLocalFileSystem(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(tempDir, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(tempDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Test Open on a regular file
	file, err := fs.Open(fs.Resolve([]byte("/hello.txt")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	content := make([]byte, 16)
	n, _ := file.Read(content)
	file.Close()
	if string(content[:n]) != "hi\n" {
		t.Errorf("Expected hi, got %q", content[:n])
	}

	// Test Open on a missing file
	if _, err := fs.Open(fs.Resolve([]byte("/missing.txt"))); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound, got %v", err)
	}

	// Test Open on a directory
	if _, err := fs.Open(fs.Resolve([]byte("/sub"))); !errors.Is(err, ErrNotAFile) {
		t.Errorf("Expected ErrNotAFile, got %v", err)
	}

	// Test FileExists and IsFile
	exists, err := fs.FileExists(filepath.Join(tempDir, "sub"))
	if err != nil || !exists {
		t.Errorf("Directory should exist: %v", err)
	}
	isFile, err := fs.IsFile(filepath.Join(tempDir, "sub"))
	if err != nil || isFile {
		t.Errorf("Directory should not be a file: %v", err)
	}
	isFile, err = fs.IsFile(filepath.Join(tempDir, "hello.txt"))
	if err != nil || !isFile {
		t.Errorf("hello.txt should be a file: %v", err)
	}
}

func TestContentType(t *testing.T) {
	if ct := ContentType("/a/b.txt"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}
	if ct := ContentType("/a/b"); ct != DefaultContentType {
		t.Errorf("Expected %s, got %s", DefaultContentType, ct)
	}
}

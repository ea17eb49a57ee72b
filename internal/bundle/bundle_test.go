package bundle

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExportAndExtract(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"index.html":          "<html>root</html>",
		"requests/index.html": "<html>requests</html>",
		"requests/requests-2.31.0-py3-none-any.whl":          "wheel",
		"requests/requests-2.31.0-py3-none-any.whl.metadata": "Metadata-Version: 2.1\n",
		"urllib3/urllib3-2.0.0.tar.gz":                       "sdist",
	}
	writeTree(t, root, files)
	writeTree(t, root, map[string]string{
		"requests/.write-probe-123":             "x",
		".cache/junk":                           "y",
		"urllib3/urllib3-1.0.0.tar.gz.infected": "eicar",
	})

	out := filepath.Join(root, "mirror.tar.zst")
	sum, err := Export(root, out, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if sum.Files != len(files) {
		t.Errorf("Files = %d, want %d", sum.Files, len(files))
	}

	names, err := List(out)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{
		"index.html",
		"requests/index.html",
		"requests/requests-2.31.0-py3-none-any.whl",
		"requests/requests-2.31.0-py3-none-any.whl.metadata",
		"urllib3/urllib3-2.0.0.tar.gz",
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}

	dest := t.TempDir()
	got, err := Extract(out, dest, nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != sum {
		t.Errorf("Extract() summary = %+v, want %+v", got, sum)
	}
	for name, content := range files {
		b, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("reading %s: %v", name, err)
			continue
		}
		if string(b) != content {
			t.Errorf("%s = %q, want %q", name, b, content)
		}
	}
}

func TestExport_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a/a-1.0.tar.gz": "one", "b/b-2.0.tar.gz": "two"})

	outDir := t.TempDir()
	first := filepath.Join(outDir, "first.tar.zst")
	second := filepath.Join(outDir, "second.tar.zst")
	if _, err := Export(root, first, nil); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "a", "a-1.0.tar.gz"), later, later); err != nil {
		t.Fatal(err)
	}
	if _, err := Export(root, second, nil); err != nil {
		t.Fatal(err)
	}

	if string(decompress(t, first)) != string(decompress(t, second)) {
		t.Error("identical trees produced different bundles")
	}
}

func decompress(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestExport_MissingRoot(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tar.zst")
	if _, err := Export(filepath.Join(t.TempDir(), "nope"), out, nil); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	content := []byte("pwned")
	if err := tw.WriteHeader(&tar.Header{Name: "../outside.txt", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := errors.Join(tw.Close(), zw.Close(), f.Close()); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "dest")
	if _, err := Extract(path, dest, nil); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("Extract() error = %v, want ErrUnsafePath", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "outside.txt")); !os.IsNotExist(err) {
		t.Error("entry escaped the destination")
	}
}

func TestList_NotABundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("not zstd"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := List(path); err == nil {
		t.Error("expected error for a non-zstd file")
	}
}

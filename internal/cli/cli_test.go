package cli

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type servedFile struct {
	name     string
	content  []byte
	metadata []byte
}

// newIndexServer serves a two-package simple index: demo depends on dep.
func newIndexServer(t *testing.T) *httptest.Server {
	t.Helper()
	packages := map[string][]servedFile{
		"demo": {{
			name:     "demo-1.0-py3-none-any.whl",
			content:  []byte("demo wheel"),
			metadata: []byte("Metadata-Version: 2.1\nName: demo\nVersion: 1.0\nRequires-Dist: dep\n"),
		}},
		"dep": {{
			name:    "dep-2.0.tar.gz",
			content: []byte("dep sdist"),
		}},
	}
	files := make(map[string][]byte)
	for _, pkgFiles := range packages {
		for _, f := range pkgFiles {
			files[f.name] = f.content
			if f.metadata != nil {
				files[f.name+".metadata"] = f.metadata
			}
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/simple/"):
			pkgFiles, ok := packages[strings.Trim(strings.TrimPrefix(r.URL.Path, "/simple/"), "/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			var b strings.Builder
			b.WriteString("<!DOCTYPE html><html><body>\n")
			for _, f := range pkgFiles {
				fmt.Fprintf(&b, `<a href="../../files/%s#sha256=%s"`, f.name, sum(f.content))
				if f.metadata != nil {
					fmt.Fprintf(&b, ` data-core-metadata="sha256=%s"`, sum(f.metadata))
				}
				fmt.Fprintf(&b, ">%s</a><br/>\n", f.name)
			}
			b.WriteString("</body></html>")
			_, _ = w.Write([]byte(b.String()))
		case strings.HasPrefix(r.URL.Path, "/files/"):
			content, ok := files[strings.TrimPrefix(r.URL.Path, "/files/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(content)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := NewApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"pypi-mirror", "--log-level", "error"}, args...))
	return stdout.String(), err
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app.Name != "pypi-mirror" {
		t.Errorf("Name = %q", app.Name)
	}
	var names []string
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	want := []string{"mirror", "index", "verify", "export", "import", "serve", "ledger"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("commands = %v, want %v", names, want)
	}
}

func TestReadRequirements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	content := strings.Join([]string{
		"# pinned for the build",
		"requests==2.31.0",
		"",
		"  - flask",
		"-e git+https://example.com/repo.git#egg=thing",
		"--index-url https://example.com/simple/",
		"requests==2.31.0",
		"attrs",
		"Flask",
		"Requests == 2.31.0",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := readRequirements(path)
	if err != nil {
		t.Fatalf("readRequirements() error = %v", err)
	}
	want := []string{"attrs", "flask", "requests==2.31.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readRequirements() = %v, want %v", got, want)
	}

	if _, err := readRequirements(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCollectSpecifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reqs.txt")
	if err := os.WriteFile(path, []byte("Zope.Interface\nsix==1.16.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	specs, err := collectSpecifiers([]string{"Django==4.2", path, " "})
	if err != nil {
		t.Fatalf("collectSpecifiers() error = %v", err)
	}
	var got []string
	for _, s := range specs {
		got = append(got, s.String())
	}
	want := []string{"django==4.2", "six==1.16.0", "zope-interface"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("collectSpecifiers() = %v, want %v", got, want)
	}
}

func TestMirrorCommand(t *testing.T) {
	srv := newIndexServer(t)
	root := t.TempDir()
	db := filepath.Join(t.TempDir(), "ledger.db")
	metricsFile := filepath.Join(t.TempDir(), "mirror.prom")

	out, err := runApp(t, "mirror",
		"--index", srv.URL+"/simple/",
		"--local-folder", root,
		"--db", db,
		"--metrics-file", metricsFile,
		"demo")
	if err != nil {
		t.Fatalf("mirror error = %v", err)
	}

	var summary RunSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("summary is not JSON: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(summary.Successes, []string{"demo==1.0", "dep==2.0"}) {
		t.Errorf("Successes = %v", summary.Successes)
	}
	if len(summary.Failed) != 0 || len(summary.Errors) != 0 {
		t.Errorf("unexpected failures: %+v", summary)
	}
	if summary.RunID == "" || summary.Packages != 2 {
		t.Errorf("summary = %+v", summary)
	}

	for _, p := range []string{
		"index.html",
		"demo/index.html",
		"demo/demo-1.0-py3-none-any.whl",
		"demo/demo-1.0-py3-none-any.whl.metadata",
		"dep/index.html",
		"dep/dep-2.0.tar.gz",
	} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
	rootIndex, _ := os.ReadFile(filepath.Join(root, "index.html"))
	if !strings.Contains(string(rootIndex), "demo") || !strings.Contains(string(rootIndex), "dep") {
		t.Errorf("root index does not list packages:\n%s", rootIndex)
	}
	if _, err := os.Stat(metricsFile); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}

	out, err = runApp(t, "ledger", "--db", db, "--package", "demo")
	if err != nil {
		t.Fatalf("ledger error = %v", err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("ledger output is not JSON: %v", err)
	}
	if len(rows) == 0 {
		t.Error("expected ledger rows for demo")
	}
	for _, row := range rows {
		if row["RunID"] != summary.RunID {
			t.Errorf("row run = %v, want %s", row["RunID"], summary.RunID)
		}
	}

	out, err = runApp(t, "ledger", "--db", db, "--stats")
	if err != nil {
		t.Fatalf("ledger --stats error = %v", err)
	}
	if !strings.Contains(out, "total_downloads") {
		t.Errorf("stats output = %s", out)
	}
}

func TestMirrorCommand_Requirements(t *testing.T) {
	srv := newIndexServer(t)
	root := t.TempDir()
	reqs := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(reqs, []byte("# deps\ndep\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", root, reqs); err != nil {
		t.Fatalf("mirror error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dep", "dep-2.0.tar.gz")); err != nil {
		t.Errorf("dep not mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "demo")); !os.IsNotExist(err) {
		t.Error("demo was not requested")
	}
}

func TestMirrorCommand_Failures(t *testing.T) {
	srv := newIndexServer(t)

	t.Run("no specifiers", func(t *testing.T) {
		if _, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", t.TempDir()); err == nil {
			t.Error("expected error without specifiers")
		}
	})

	t.Run("conflicting filters", func(t *testing.T) {
		_, err := runApp(t, "mirror", "--local-folder", t.TempDir(), "--binary-only", "--source-only", "demo")
		if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("stops at first failure", func(t *testing.T) {
		root := t.TempDir()
		out, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", root, "absent", "dep")
		if !errors.Is(err, ErrRunFailed) {
			t.Fatalf("error = %v, want ErrRunFailed", err)
		}
		var summary RunSummary
		if err := json.Unmarshal([]byte(out), &summary); err != nil {
			t.Fatal(err)
		}
		if !summary.Stopped || !reflect.DeepEqual(summary.Failed, []string{"absent"}) {
			t.Errorf("summary = %+v", summary)
		}
		if _, err := os.Stat(filepath.Join(root, "dep")); !os.IsNotExist(err) {
			t.Error("dep should not be mirrored after the failure")
		}
	})

	t.Run("ignore errors continues", func(t *testing.T) {
		root := t.TempDir()
		_, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", root, "--ignore-errors", "absent", "dep")
		if !errors.Is(err, ErrRunFailed) {
			t.Fatalf("error = %v, want ErrRunFailed", err)
		}
		if _, err := os.Stat(filepath.Join(root, "dep", "dep-2.0.tar.gz")); err != nil {
			t.Errorf("dep not mirrored: %v", err)
		}
	})
}

func TestVerifyCommand(t *testing.T) {
	srv := newIndexServer(t)
	root := t.TempDir()
	if _, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", root, "demo"); err != nil {
		t.Fatalf("mirror error = %v", err)
	}

	out, err := runApp(t, "verify", "--local-folder", root)
	if err != nil {
		t.Fatalf("verify error = %v\n%s", err, out)
	}
	var results []PackageVerification
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("verify output is not JSON: %v", err)
	}
	if len(results) != 2 || results[0].Package != "demo" || results[0].OK != 1 {
		t.Errorf("results = %+v", results)
	}

	if err := os.WriteFile(filepath.Join(root, "dep", "dep-2.0.tar.gz"), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = runApp(t, "verify", "--local-folder", root)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("error = %v, want ErrVerificationFailed", err)
	}
	if !strings.Contains(out, "dep-2.0.tar.gz") {
		t.Errorf("broken file not reported:\n%s", out)
	}
}

func TestIndexCommand(t *testing.T) {
	root := t.TempDir()
	for _, pkg := range []string{"alpha", "beta", ".hidden"} {
		if err := os.MkdirAll(filepath.Join(root, pkg), 0755); err != nil {
			t.Fatal(err)
		}
	}

	out, err := runApp(t, "index", "--local-folder", root, "--dry-run")
	if err != nil {
		t.Fatalf("index --dry-run error = %v", err)
	}
	if !strings.Contains(out, `"packages": 2`) {
		t.Errorf("output = %s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "index.html")); !os.IsNotExist(err) {
		t.Error("dry run wrote the root index")
	}

	if _, err := runApp(t, "index", "--local-folder", root); err != nil {
		t.Fatalf("index error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "index.html")); err != nil {
		t.Errorf("root index not written: %v", err)
	}
}

func TestExportImportCommands(t *testing.T) {
	srv := newIndexServer(t)
	root := t.TempDir()
	if _, err := runApp(t, "mirror", "--index", srv.URL+"/simple/", "--local-folder", root, "dep"); err != nil {
		t.Fatalf("mirror error = %v", err)
	}

	out := filepath.Join(t.TempDir(), "mirror.tar.zst")
	if _, err := runApp(t, "export", "--local-folder", root, "--out", out); err != nil {
		t.Fatalf("export error = %v", err)
	}

	dest := t.TempDir()
	if _, err := runApp(t, "import", "--local-folder", dest, "--in", out); err != nil {
		t.Fatalf("import error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "dep", "dep-2.0.tar.gz"))
	if err != nil || string(got) != "dep sdist" {
		t.Errorf("imported payload = %q, %v", got, err)
	}
	if _, err := runApp(t, "verify", "--local-folder", dest); err != nil {
		t.Errorf("imported mirror does not verify: %v", err)
	}
}

func TestLedgerCommand_RequiresDatabase(t *testing.T) {
	if _, err := runApp(t, "ledger"); err == nil {
		t.Error("expected error without a database")
	}
}

func TestMirrorHandler(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "demo"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "demo", "index.html"), []byte("demo page"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		prefix string
		path   string
		status int
		body   string
	}{
		{"/simple", "/simple/demo/", http.StatusOK, "demo page"},
		{"simple/", "/simple/demo/", http.StatusOK, "demo page"},
		{"/simple", "/demo/", http.StatusNotFound, ""},
		{"", "/demo/", http.StatusOK, "demo page"},
		{"/simple", "/healthz", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newMirrorHandler(root, tt.prefix).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/checksum"
)

func sha256Of(s string) catalog.Hash {
	sum := sha256.Sum256([]byte(s))
	return catalog.Hash{Algorithm: "sha256", Digest: hex.EncodeToString(sum[:])}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func record(filename string, h catalog.Hash) *catalog.FileRecord {
	return &catalog.FileRecord{Filename: filename, URL: "https://files.example/" + filename, Hash: h}
}

func wheel(filename string, h, meta catalog.Hash) *catalog.FileRecord {
	rec := record(filename, h)
	rec.CoreMetadata = "true"
	if !meta.IsZero() {
		rec.CoreMetadata = meta.String()
	}
	rec.MetadataHash = meta
	return rec
}

func TestReconcile_BothHashedStates(t *testing.T) {
	const (
		sdist = "foo-1.0.tar.gz"
		whl   = "foo-1.0-py3-none-any.whl"
	)
	payload := "payload bytes"
	meta := "Metadata-Version: 2.1\nName: foo\n"

	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		rec   func() *catalog.FileRecord
		want  catalog.IntegrityState
	}{
		{
			name:  "sdist verified",
			setup: func(t *testing.T, dir string) { writeFile(t, dir, sdist, payload) },
			rec:   func() *catalog.FileRecord { return record(sdist, sha256Of(payload)) },
			want:  catalog.StateOK,
		},
		{
			name:  "corrupted file",
			setup: func(t *testing.T, dir string) { writeFile(t, dir, sdist, "garbage") },
			rec:   func() *catalog.FileRecord { return record(sdist, catalog.Hash{Algorithm: "sha256", Digest: "abc123"}) },
			want:  catalog.StateMissing,
		},
		{
			name:  "file absent",
			setup: func(t *testing.T, dir string) {},
			rec:   func() *catalog.FileRecord { return record(sdist, sha256Of(payload)) },
			want:  catalog.StateMissing,
		},
		{
			name: "wheel with sidecar",
			setup: func(t *testing.T, dir string) {
				writeFile(t, dir, whl, payload)
				writeFile(t, dir, whl+".metadata", meta)
			},
			rec:  func() *catalog.FileRecord { return wheel(whl, sha256Of(payload), sha256Of(meta)) },
			want: catalog.StateOK,
		},
		{
			name:  "wheel sidecar absent",
			setup: func(t *testing.T, dir string) { writeFile(t, dir, whl, payload) },
			rec:   func() *catalog.FileRecord { return wheel(whl, sha256Of(payload), sha256Of(meta)) },
			want:  catalog.StateMetadataMissing,
		},
		{
			name: "wheel sidecar corrupted",
			setup: func(t *testing.T, dir string) {
				writeFile(t, dir, whl, payload)
				writeFile(t, dir, whl+".metadata", "truncated")
			},
			rec:  func() *catalog.FileRecord { return wheel(whl, sha256Of(payload), sha256Of(meta)) },
			want: catalog.StateMetadataMissing,
		},
		{
			name: "wheel sidecar without digest only has to exist",
			setup: func(t *testing.T, dir string) {
				writeFile(t, dir, whl, payload)
				writeFile(t, dir, whl+".metadata", "anything")
			},
			rec:  func() *catalog.FileRecord { return wheel(whl, sha256Of(payload), catalog.Hash{}) },
			want: catalog.StateOK,
		},
		{
			name:  "wheel advertising no metadata",
			setup: func(t *testing.T, dir string) { writeFile(t, dir, whl, payload) },
			rec:   func() *catalog.FileRecord { return record(whl, sha256Of(payload)) },
			want:  catalog.StateOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(t, dir)

			remote, local := catalog.New(), catalog.New()
			rec := tt.rec()
			remote.Put("1.0", rec)
			local.Put("1.0", tt.rec())

			if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if rec.State != tt.want {
				t.Errorf("state = %s, want %s", rec.State, tt.want)
			}
		})
	}
}

func TestReconcile_DigestChangedUpstream(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "old")

	remote, local := catalog.New(), catalog.New()
	rec := record("foo-1.0.tar.gz", sha256Of("new"))
	remote.Put("1.0", rec)
	local.Put("1.0", record("foo-1.0.tar.gz", sha256Of("old")))

	if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	if rec.State != catalog.StateMissing {
		t.Errorf("state = %s, want MISSING", rec.State)
	}
}

func TestReconcile_RemoteOnlyHashPromotes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "content")

	remote, local := catalog.New(), catalog.New()
	rec := record("foo-1.0.tar.gz", sha256Of("content"))
	remote.Put("1.0", rec)
	local.Put("1.0", record("foo-1.0.tar.gz", catalog.Hash{}))

	report, err := Reconcile(remote, local, dir, "foo", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != catalog.StateOK {
		t.Errorf("state = %s, want OK", rec.State)
	}
	if report.Promoted != 1 {
		t.Errorf("Promoted = %d, want 1", report.Promoted)
	}
	got := local.Get("1.0", "foo-1.0.tar.gz")
	if got == nil || !got.Hash.Equal(rec.Hash) {
		t.Errorf("local record not promoted with remote digest: %+v", got)
	}
	if got.URL != "foo-1.0.tar.gz" {
		t.Errorf("promoted URL = %q, want bare filename", got.URL)
	}
}

func TestReconcile_RemoteOnlyHashMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "content")

	remote, local := catalog.New(), catalog.New()
	rec := record("foo-1.0.tar.gz", sha256Of("other"))
	remote.Put("1.0", rec)
	local.Put("1.0", record("foo-1.0.tar.gz", catalog.Hash{}))

	if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	if rec.State != catalog.StateMissing {
		t.Errorf("state = %s, want MISSING", rec.State)
	}
	if !local.Get("1.0", "foo-1.0.tar.gz").Hash.IsZero() {
		t.Error("local record should not gain a digest on mismatch")
	}
}

func TestReconcile_Unhashed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "content")

	t.Run("neither side", func(t *testing.T) {
		remote, local := catalog.New(), catalog.New()
		rec := record("foo-1.0.tar.gz", catalog.Hash{})
		remote.Put("1.0", rec)
		local.Put("1.0", record("foo-1.0.tar.gz", catalog.Hash{}))

		report, err := Reconcile(remote, local, dir, "foo", Options{})
		if err != nil {
			t.Fatal(err)
		}
		if rec.State != catalog.StateUnknown || report.Unknown != 1 {
			t.Errorf("state = %s, unknown = %d", rec.State, report.Unknown)
		}
	})

	t.Run("only local", func(t *testing.T) {
		remote, local := catalog.New(), catalog.New()
		rec := record("foo-1.0.tar.gz", catalog.Hash{})
		remote.Put("1.0", rec)
		local.Put("1.0", record("foo-1.0.tar.gz", sha256Of("content")))

		if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
			t.Fatal(err)
		}
		if rec.State != catalog.StateMissing {
			t.Errorf("state = %s, want MISSING", rec.State)
		}
	})
}

func TestReconcile_DirectoryRecovery(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "sdist")
	writeFile(t, dir, "foo-2.0.tar.gz", "tampered")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "foo-9.9.tar.gz", "not in remote")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	remote, local := catalog.New(), catalog.New()
	ok := record("foo-1.0.tar.gz", sha256Of("sdist"))
	bad := record("foo-2.0.tar.gz", sha256Of("real"))
	unhashed := record("foo-3.0.tar.gz", catalog.Hash{})
	remote.Put("1.0", ok)
	remote.Put("2.0", bad)
	remote.Put("3.0", unhashed)

	report, err := Reconcile(remote, local, dir, "foo", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ok.State != catalog.StateOK {
		t.Errorf("recovered state = %s, want OK", ok.State)
	}
	if bad.State != catalog.StateMissing {
		t.Errorf("tampered state = %s, want MISSING", bad.State)
	}
	if unhashed.State != catalog.StateUnknown {
		t.Errorf("unhashed state = %s, want UNKNOWN", unhashed.State)
	}
	if report.Recovered != 1 || local.Get("1.0", "foo-1.0.tar.gz") == nil {
		t.Errorf("Recovered = %d, local = %v", report.Recovered, local.Versions())
	}
	if local.HasVersion("2.0") || local.HasVersion("9.9") {
		t.Errorf("unexpected local versions: %v", local.Versions())
	}
}

func TestReconcile_RecoveryAppliesWheelRule(t *testing.T) {
	dir := t.TempDir()
	const whl = "foo-1.0-py3-none-any.whl"
	writeFile(t, dir, whl, "wheel")

	remote, local := catalog.New(), catalog.New()
	rec := wheel(whl, sha256Of("wheel"), sha256Of("meta"))
	remote.Put("1.0", rec)

	if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	if rec.State != catalog.StateMetadataMissing {
		t.Errorf("state = %s, want METADATA_MISSING", rec.State)
	}
}

func TestReconcile_KeepsLocalOnlyRecords(t *testing.T) {
	remote, local := catalog.New(), catalog.New()
	remote.Put("2.0", record("foo-2.0.tar.gz", sha256Of("x")))
	local.Put("1.0", record("foo-1.0.tar.gz", sha256Of("y")))

	if _, err := Reconcile(remote, local, t.TempDir(), "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	if local.Get("1.0", "foo-1.0.tar.gz") == nil {
		t.Error("local-only record was dropped")
	}
}

func TestReconcile_ResetsPreviousState(t *testing.T) {
	remote, local := catalog.New(), catalog.New()
	rec := record("foo-1.0.tar.gz", sha256Of("x"))
	rec.State = catalog.StateOK
	remote.Put("1.0", rec)

	if _, err := Reconcile(remote, local, t.TempDir(), "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	if rec.State != catalog.StateMissing {
		t.Errorf("state = %s, want MISSING", rec.State)
	}
}

func TestReconcile_UnindexedRemoteHashedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "tampered")

	remote, local := catalog.New(), catalog.New()
	corrupt := record("foo-1.0.tar.gz", sha256Of("real"))
	absent := record("foo-2.0.tar.gz", sha256Of("other"))
	remote.Put("1.0", corrupt)
	remote.Put("2.0", absent)

	report, err := Reconcile(remote, local, dir, "foo", Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []*catalog.FileRecord{corrupt, absent} {
		if rec.State != catalog.StateMissing {
			t.Errorf("%s state = %s, want MISSING", rec.Filename, rec.State)
		}
	}
	if report.Missing != 2 || report.Unknown != 0 || report.Recovered != 0 {
		t.Errorf("report = %+v", report)
	}
	if local.Len() != 0 {
		t.Errorf("nothing should be promoted, local has %v", local.Versions())
	}
}

func TestReconcile_UnsupportedAlgorithm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo-1.0.tar.gz", "x")

	remote, local := catalog.New(), catalog.New()
	h := catalog.Hash{Algorithm: "crc32", Digest: "00"}
	remote.Put("1.0", record("foo-1.0.tar.gz", h))
	local.Put("1.0", record("foo-1.0.tar.gz", h))

	_, err := Reconcile(remote, local, dir, "foo", Options{})
	if !errors.Is(err, checksum.ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestReconcile_OKMatchesRehash(t *testing.T) {
	dir := t.TempDir()
	remote, local := catalog.New(), catalog.New()
	contents := map[string]string{
		"foo-1.0.tar.gz": "a",
		"foo-1.1.tar.gz": "b",
		"foo-1.2.tar.gz": "c",
	}
	for name, content := range contents {
		ver, _, _ := catalog.DeriveVersion("foo", name)
		remote.Put(ver, record(name, sha256Of(content)))
		local.Put(ver, record(name, sha256Of(content)))
	}
	writeFile(t, dir, "foo-1.0.tar.gz", "a")
	writeFile(t, dir, "foo-1.1.tar.gz", "wrong")

	if _, err := Reconcile(remote, local, dir, "foo", Options{}); err != nil {
		t.Fatal(err)
	}
	remote.Each(func(_ string, rec *catalog.FileRecord) {
		ok, _ := checksum.Verify(filepath.Join(dir, rec.Filename), rec.Hash.Algorithm, rec.Hash.Digest)
		if (rec.State == catalog.StateOK) != ok {
			t.Errorf("%s: state %s but rehash match = %v", rec.Filename, rec.State, ok)
		}
	})
}

package checksum

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

func TestFile_KnownDigests(t *testing.T) {
	path := writeTemp(t, "hello")

	tests := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5d41402abc4b2a76b9719d911017c592"},
		{"sha1", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{"sha256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"SHA256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			got, err := File(path, tt.algorithm)
			if err != nil {
				t.Fatalf("File() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("File() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFile_AllAlgorithmsProduceHex(t *testing.T) {
	path := writeTemp(t, "payload")
	lengths := map[string]int{
		"md5": 32, "sha1": 40, "sha224": 56, "sha256": 64,
		"sha384": 96, "sha512": 128, "blake2b": 128,
	}
	for algo, n := range lengths {
		got, err := File(path, algo)
		if err != nil {
			t.Fatalf("File(%s) error = %v", algo, err)
		}
		if len(got) != n {
			t.Errorf("File(%s) length = %d, want %d", algo, len(got), n)
		}
	}
}

func TestFile_LargerThanChunk(t *testing.T) {
	content := strings.Repeat("x", chunkSize*3+17)
	path := writeTemp(t, content)

	fromFile, err := File(path, "sha256")
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	fromReader, err := Reader(strings.NewReader(content), "sha256")
	if err != nil {
		t.Fatalf("Reader() error = %v", err)
	}
	if fromFile != fromReader {
		t.Errorf("digest mismatch between File and Reader: %s vs %s", fromFile, fromReader)
	}
}

func TestFile_UnsupportedAlgorithm(t *testing.T) {
	path := writeTemp(t, "hello")
	_, err := File(path, "crc32")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	path := writeTemp(t, "hello")

	ok, err := Verify(path, "sha256", "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824")
	if err != nil || !ok {
		t.Errorf("Verify() = %v, %v; want true, nil", ok, err)
	}

	ok, err = Verify(path, "sha256", "abc123")
	if err != nil || ok {
		t.Errorf("Verify() on mismatch = %v, %v; want false, nil", ok, err)
	}

	ok, err = Verify(filepath.Join(t.TempDir(), "absent"), "sha256", "abc123")
	if err != nil || ok {
		t.Errorf("Verify() on missing file = %v, %v; want false, nil", ok, err)
	}
}

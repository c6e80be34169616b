package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestArchiveAssets(t *testing.T) {
	data, err := ArchiveAssets([]Asset{
		{Filename: "01-shoe.png", MIME: "image/png", Data: []byte("png-bytes")},
		{Filename: "01-shoe.png", MIME: "image/png", Data: []byte("second")},
		{Filename: "../notes.txt", MIME: "text/plain", Data: []byte("hello hello hello")},
	})
	if err != nil {
		t.Fatalf("ArchiveAssets() error: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	want := map[string]string{
		"01-shoe.png":   "png-bytes",
		"01-shoe-2.png": "second",
		"notes.txt":     "hello hello hello",
	}
	if len(zr.File) != len(want) {
		t.Fatalf("archive has %d entries, want %d", len(zr.File), len(want))
	}
	for _, f := range zr.File {
		expected, ok := want[f.Name]
		if !ok {
			t.Fatalf("unexpected entry %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != expected {
			t.Fatalf("%s = %q, want %q", f.Name, got, expected)
		}
	}
	if zr.File[0].Method != zip.Store || zr.File[2].Method != zip.Deflate {
		t.Fatalf("unexpected methods: %d %d", zr.File[0].Method, zr.File[2].Method)
	}
}

package volio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/volume"
)

func TestLabelsRoundTrip(t *testing.T) {
	l := &volume.Labels{Shape: volume.Shape{2, 1, 3}, Data: []uint64{0, 1, 1, 7, 1 << 40, 2}}
	var buf bytes.Buffer
	if err := WriteLabels(&buf, l, Attrs{"run": "abc", "threshold": "128"}); err != nil {
		t.Fatalf("WriteLabels() error = %v", err)
	}
	got, attrs, err := ReadLabels(&buf)
	if err != nil {
		t.Fatalf("ReadLabels() error = %v", err)
	}
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if attrs["run"] != "abc" || attrs["threshold"] != "128" {
		t.Errorf("attrs = %v", attrs)
	}
}

func TestProbabilitiesFromLabelVolume(t *testing.T) {
	l := &volume.Labels{Shape: volume.Shape{1, 1, 3}, Data: []uint64{0, 200, 255}}
	var buf bytes.Buffer
	if err := WriteLabels(&buf, l, nil); err != nil {
		t.Fatal(err)
	}
	p, _, err := ReadProbabilities(&buf)
	if err != nil {
		t.Fatalf("ReadProbabilities() error = %v", err)
	}
	if diff := cmp.Diff([]float64{0, 200, 255}, p.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLabelsRejectsProbabilities(t *testing.T) {
	p := &volume.Probabilities{Shape: volume.Shape{1, 1, 2}, Data: []float64{0.5, 1}}
	var buf bytes.Buffer
	if err := WriteProbabilities(&buf, p, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadLabels(&buf); !errors.Is(err, ErrDType) {
		t.Errorf("ReadLabels() error = %v, want ErrDType", err)
	}
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("HDF5\x01\x00\x00\x00\x00")},
		{"bad version", []byte("RVOL\x09\x02\x00\x00\x00{}")},
		{"truncated header", []byte("RVOL\x01\x10\x00\x00\x00{}")},
		{"invalid shape", append([]byte("RVOL\x01\x22\x00\x00\x00"), `{"shape":[0,1,1],"dtype":"uint64"}`...)},
		{"huge shape", rawHeader(`{"shape":[1000000,1000000,1000000],"dtype":"uint64"}`)},
		{"overflowing shape", rawHeader(`{"shape":[4294967296,4294967296,4294967296],"dtype":"uint64"}`)},
		{"too many voxels", rawHeader(`{"shape":[2048,1024,1025],"dtype":"uint64"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadLabels(bytes.NewReader(tt.data)); !errors.Is(err, ErrFormat) {
				t.Errorf("ReadLabels() error = %v, want ErrFormat", err)
			}
		})
	}
}

// rawHeader returns an rvol prefix with the given JSON header and no payload.
func rawHeader(hdr string) []byte {
	b := append([]byte("RVOL\x01"), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(b[5:], uint32(len(hdr)))
	return append(b, hdr...)
}

func TestReadMalformedProbabilities(t *testing.T) {
	data := rawHeader(`{"shape":[1000000,1000000,1000000],"dtype":"float64"}`)
	if _, _, err := ReadProbabilities(bytes.NewReader(data)); !errors.Is(err, ErrFormat) {
		t.Errorf("ReadProbabilities() error = %v, want ErrFormat", err)
	}
}

func TestExportImportLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.rvol")
	l := &volume.Labels{Shape: volume.Shape{1, 2, 2}, Data: []uint64{1, 1, 2, 0}}
	if err := ExportLabels(path, l, Attrs{"run": "x"}); err != nil {
		t.Fatalf("ExportLabels() error = %v", err)
	}
	got, err := LoadLabels(path)
	if err != nil {
		t.Fatalf("LoadLabels() error = %v", err)
	}
	if diff := cmp.Diff(l.Data, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestImportMissingFile(t *testing.T) {
	_, err := LoadProbabilities(filepath.Join(t.TempDir(), "missing.rvol"))
	if !apperrors.Is(err, apperrors.ErrCodeFileNotFound) {
		t.Errorf("error code = %v, want %v", apperrors.GetCode(err), apperrors.ErrCodeFileNotFound)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v does not wrap os.ErrNotExist", err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestImportImageStack(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for z := 0; z < 3; z++ {
		img := image.NewGray(image.Rect(0, 0, 4, 2))
		for y := 0; y < 2; y++ {
			for x := 0; x < 4; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(z*100 + y*10 + x)})
			}
		}
		p := filepath.Join(dir, "slice"+string(rune('a'+z))+".png")
		writePNG(t, p, img)
		paths = append(paths, p)
	}

	probs, err := LoadProbabilities(paths...)
	if err != nil {
		t.Fatalf("LoadProbabilities() error = %v", err)
	}
	if want := (volume.Shape{3, 2, 4}); probs.Shape != want {
		t.Fatalf("Shape = %v, want %v", probs.Shape, want)
	}
	if got := probs.At(2, 1, 3); got != 213 {
		t.Errorf("At(2,1,3) = %v, want 213", got)
	}
}

func TestImportImageStackGray16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep.png")
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.SetGray16(1, 0, color.Gray16{Y: 40000})
	writePNG(t, path, img)

	probs, err := ImportImageStack(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := probs.At(0, 0, 1); got != 40000 {
		t.Errorf("At(0,0,1) = %v, want 40000", got)
	}
}

func TestImportImageStackSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")
	writePNG(t, a, image.NewGray(image.Rect(0, 0, 2, 2)))
	writePNG(t, b, image.NewGray(image.Rect(0, 0, 3, 2)))

	_, err := ImportImageStack(a, b)
	if !errors.Is(err, ErrSliceSize) {
		t.Errorf("error = %v, want ErrSliceSize", err)
	}
	if !apperrors.Is(err, apperrors.ErrCodeIO) {
		t.Errorf("code = %v, want %v", apperrors.GetCode(err), apperrors.ErrCodeIO)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws.rvol")
	if err := Remove(path); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Remove")
	}
}

func TestSliceName(t *testing.T) {
	tests := []struct {
		paths []string
		want  string
	}{
		{nil, ""},
		{[]string{"a.png"}, "a.png"},
		{[]string{"a.png", "b.png", "c.png"}, "a.png (+2 slices)"},
	}
	for _, tt := range tests {
		if got := SliceName(tt.paths); got != tt.want {
			t.Errorf("SliceName(%v) = %q, want %q", tt.paths, got, tt.want)
		}
	}
}

package volio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/volume"
)

// ErrSliceSize is returned when the images of a stack differ in size.
var ErrSliceSize = errors.New("image stack slices differ in size")

// IsVolumeFile reports whether path names an rvol container.
func IsVolumeFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// LoadProbabilities reads a probability volume. A single rvol path is read
// whole; otherwise every path is an image and becomes one z-slice.
func LoadProbabilities(paths ...string) (*volume.Probabilities, error) {
	if len(paths) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "no probability files given")
	}
	if len(paths) == 1 && IsVolumeFile(paths[0]) {
		return ImportProbabilities(paths[0])
	}
	return ImportImageStack(paths...)
}

// LoadLabels reads a label volume from an rvol file or a stack of images.
func LoadLabels(paths ...string) (*volume.Labels, error) {
	if len(paths) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "no label files given")
	}
	if len(paths) == 1 && IsVolumeFile(paths[0]) {
		return ImportLabels(paths[0])
	}
	p, err := ImportImageStack(paths...)
	if err != nil {
		return nil, err
	}
	l := volume.NewLabels(p.Shape)
	for i, v := range p.Data {
		l.Data[i] = uint64(v)
	}
	return l, nil
}

// ImportLabels reads an rvol label volume from path.
func ImportLabels(path string) (*volume.Labels, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	l, _, err := ReadLabels(f)
	if err != nil {
		return nil, ioError(err, "read %s", path)
	}
	return l, nil
}

// ImportProbabilities reads an rvol probability volume from path.
func ImportProbabilities(path string) (*volume.Probabilities, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, _, err := ReadProbabilities(f)
	if err != nil {
		return nil, ioError(err, "read %s", path)
	}
	return p, nil
}

// ExportLabels writes l to path as an rvol container, replacing any
// existing file.
func ExportLabels(path string, l *volume.Labels, attrs Attrs) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(err, "create %s", path)
	}
	if err := WriteLabels(f, l, attrs); err != nil {
		f.Close()
		return ioError(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return ioError(err, "close %s", path)
	}
	return nil
}

// ExportProbabilities writes p to path as an rvol container.
func ExportProbabilities(path string, p *volume.Probabilities, attrs Attrs) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError(err, "create %s", path)
	}
	if err := WriteProbabilities(f, p, attrs); err != nil {
		f.Close()
		return ioError(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return ioError(err, "close %s", path)
	}
	return nil
}

// Remove deletes path if it exists.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError(err, "remove %s", path)
	}
	return nil
}

// ImportImageStack reads one image per path and stacks them along z. All
// images must have the same width and height.
func ImportImageStack(paths ...string) (*volume.Probabilities, error) {
	var out *volume.Probabilities
	for z, path := range paths {
		img, err := decodeImage(path)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if out == nil {
			out = volume.NewProbabilities(volume.Shape{len(paths), b.Dy(), b.Dx()})
		} else if b.Dy() != out.Shape[1] || b.Dx() != out.Shape[2] {
			return nil, ioError(ErrSliceSize, "%s is %dx%d, want %dx%d",
				path, b.Dy(), b.Dx(), out.Shape[1], out.Shape[2])
		}
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.Set(z, y, x, intensity(img.At(b.Min.X+x, b.Min.Y+y)))
			}
		}
	}
	return out, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, ioError(err, "decode %s", path)
	}
	return img, nil
}

// intensity returns the raw gray value of c. 16-bit gray keeps its full
// range; everything else is reduced to 8-bit luminance.
func intensity(c color.Color) float64 {
	switch g := c.(type) {
	case color.Gray:
		return float64(g.Y)
	case color.Gray16:
		return float64(g.Y)
	}
	return float64(color.GrayModel.Convert(c).(color.Gray).Y)
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrCodeFileNotFound, err, "open %s", path)
		}
		return nil, ioError(err, "open %s", path)
	}
	return f, nil
}

func ioError(err error, format string, args ...any) error {
	return apperrors.Wrap(apperrors.ErrCodeIO, err, format, args...)
}

// SliceName returns a human-readable description of a stack, for logs.
func SliceName(paths []string) string {
	switch len(paths) {
	case 0:
		return ""
	case 1:
		return paths[0]
	}
	return fmt.Sprintf("%s (+%d slices)", paths[0], len(paths)-1)
}

package volio

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/matzehuels/ray/pkg/volume"
)

// Extension is the file extension of the rvol container.
const Extension = ".rvol"

const (
	magic   = "RVOL"
	version = 1

	dtypeLabels = "uint64"
	dtypeProbs  = "float64"

	maxHeaderLen = 1 << 20

	// maxVoxels bounds the volume a header may declare (16 GiB of voxels).
	maxVoxels = 1 << 31
)

var (
	// ErrFormat is returned when a stream is not a valid rvol container.
	ErrFormat = errors.New("not an rvol volume")

	// ErrDType is returned when a volume holds a different voxel type than
	// the caller asked for.
	ErrDType = errors.New("unexpected voxel type")
)

// Attrs are free-form string attributes stored with a volume.
type Attrs map[string]string

type header struct {
	Shape volume.Shape `json:"shape"`
	DType string       `json:"dtype"`
	Attrs Attrs        `json:"attrs,omitempty"`
}

// WriteLabels encodes l as an rvol container and writes it to w.
func WriteLabels(w io.Writer, l *volume.Labels, attrs Attrs) error {
	if err := l.Validate(); err != nil {
		return err
	}
	return write(w, header{Shape: l.Shape, DType: dtypeLabels, Attrs: attrs}, func(buf []byte, i int) {
		binary.LittleEndian.PutUint64(buf, l.Data[i])
	})
}

// WriteProbabilities encodes p as an rvol container and writes it to w.
func WriteProbabilities(w io.Writer, p *volume.Probabilities, attrs Attrs) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return write(w, header{Shape: p.Shape, DType: dtypeProbs, Attrs: attrs}, func(buf []byte, i int) {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(p.Data[i]))
	})
}

func write(w io.Writer, h header, put func(buf []byte, i int)) error {
	hdr, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(magic)
	bw.WriteByte(version)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(hdr)))
	bw.Write(n[:])
	bw.Write(hdr)

	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	var buf [8]byte
	count := h.Shape.Len()
	for i := 0; i < count; i++ {
		put(buf[:], i)
		if _, err := enc.Write(buf[:]); err != nil {
			enc.Close()
			return fmt.Errorf("write payload: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return bw.Flush()
}

// ReadLabels decodes a label volume from r. The stored dtype must be
// uint64.
func ReadLabels(r io.Reader) (*volume.Labels, Attrs, error) {
	h, dec, err := read(r)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()
	if h.DType != dtypeLabels {
		return nil, nil, fmt.Errorf("%w: %s, want %s", ErrDType, h.DType, dtypeLabels)
	}

	l := volume.NewLabels(h.Shape)
	err = payload(dec, len(l.Data), func(i int, v uint64) { l.Data[i] = v })
	if err != nil {
		return nil, nil, err
	}
	return l, h.Attrs, nil
}

// ReadProbabilities decodes a probability volume from r. Label volumes are
// accepted too and converted voxel by voxel.
func ReadProbabilities(r io.Reader) (*volume.Probabilities, Attrs, error) {
	h, dec, err := read(r)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()

	var conv func(uint64) float64
	switch h.DType {
	case dtypeProbs:
		conv = math.Float64frombits
	case dtypeLabels:
		conv = func(v uint64) float64 { return float64(v) }
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrDType, h.DType)
	}

	p := volume.NewProbabilities(h.Shape)
	err = payload(dec, len(p.Data), func(i int, v uint64) { p.Data[i] = conv(v) })
	if err != nil {
		return nil, nil, err
	}
	return p, h.Attrs, nil
}

func read(r io.Reader) (header, *zstd.Decoder, error) {
	var h header
	br := bufio.NewReader(r)

	var pre [len(magic) + 1 + 4]byte
	if _, err := io.ReadFull(br, pre[:]); err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if string(pre[:len(magic)]) != magic {
		return h, nil, fmt.Errorf("%w: bad magic %q", ErrFormat, pre[:len(magic)])
	}
	if v := pre[len(magic)]; v != version {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	n := binary.LittleEndian.Uint32(pre[len(magic)+1:])
	if n > maxHeaderLen {
		return h, nil, fmt.Errorf("%w: header of %d bytes", ErrFormat, n)
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return h, nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}
	if err := json.Unmarshal(hdr, &h); err != nil {
		return h, nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}
	if !h.Shape.Valid() {
		return h, nil, fmt.Errorf("%w: %w %v", ErrFormat, volume.ErrInvalidShape, h.Shape)
	}
	if !fits(h.Shape) {
		return h, nil, fmt.Errorf("%w: shape %v exceeds %d voxels", ErrFormat, h.Shape, maxVoxels)
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return h, nil, fmt.Errorf("zstd: %w", err)
	}
	return h, dec, nil
}

// fits reports whether a valid shape holds at most maxVoxels voxels,
// without overflowing on the way.
func fits(s volume.Shape) bool {
	n := 1
	for _, d := range s {
		if d > maxVoxels/n {
			return false
		}
		n *= d
	}
	return true
}

func payload(r io.Reader, count int, set func(i int, v uint64)) error {
	br := bufio.NewReader(r)
	var buf [8]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return fmt.Errorf("%w: payload voxel %d of %d: %w", ErrFormat, i, count, err)
		}
		set(i, binary.LittleEndian.Uint64(buf[:]))
	}
	return nil
}

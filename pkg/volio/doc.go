// Package volio reads and writes the volumes ray works on.
//
// # Overview
//
// Two kinds of storage are supported:
//
//   - Image stacks: one 2-D image per z-slice, in PNG, JPEG, GIF, BMP or
//     TIFF format. Each file becomes one slice, in the order given. Gray
//     images keep their raw intensity (0-255 for 8-bit, 0-65535 for
//     16-bit); color images are converted to 8-bit luminance.
//   - The rvol container, a single file holding a whole 3-D volume.
//
// [LoadProbabilities] and [LoadLabels] pick the right reader from the file
// extension, so callers can pass either form.
//
// # rvol Format
//
// An rvol file is laid out as:
//
//	"RVOL"                4-byte magic
//	version               1 byte, currently 1
//	header length         uint32, little-endian
//	header                JSON object
//	payload               zstd-compressed voxel data
//
// The header has the form:
//
//	{
//	  "shape": [Z, Y, X],
//	  "dtype": "uint64",
//	  "attrs": {"run": "..."}
//	}
//
// dtype is "uint64" for label volumes and "float64" for probability
// volumes. The payload holds Z*Y*X little-endian values in z-major order.
// attrs is a free-form string map; ray stamps the run id and, for
// segmentations, the threshold into it.
//
// # Errors
//
// Every error returned by this package carries
// [github.com/matzehuels/ray/pkg/errors.ErrCodeIO] (or
// ErrCodeFileNotFound for missing files) and names the offending path. The
// underlying cause is preserved for errors.Is and errors.As.
package volio

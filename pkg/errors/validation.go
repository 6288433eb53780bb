package errors

import (
	"strings"
	"unicode"
)

// ValidatePath validates a file path supplied on the command line.
// It rejects empty paths, control characters and overlong values; it does
// not check that the file exists.
func ValidatePath(path string) error {
	if path == "" {
		return New(ErrCodeInvalidInput, "path cannot be empty")
	}

	const maxPathLength = 4096
	if len(path) > maxPathLength {
		return New(ErrCodeInvalidInput, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range path {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "path contains invalid characters: %q", path)
		}
	}

	return nil
}

// ThresholdVerbs lists the conversion characters accepted in an output
// template. %s and %v print the threshold in its shortest form; %d and %i
// print its integer part.
const ThresholdVerbs = "vgGeEfFsdi"

// ValidateOutputTemplate checks an output path template such as "seg-%v.rvol".
//
// The template must be a valid path and must contain exactly one formatting
// verb when more than one threshold is being written, otherwise every
// threshold would overwrite the same file. A literal "%%" does not count as
// a verb.
func ValidateOutputTemplate(tmpl string, thresholds int) error {
	if err := ValidatePath(tmpl); err != nil {
		return Wrap(ErrCodeConfiguration, err, "invalid output template")
	}

	verbs := VerbIndexes(tmpl)
	if len(verbs) > 1 {
		return New(ErrCodeConfiguration, "output template %q has %d substitutions, want at most 1", tmpl, len(verbs))
	}
	if len(verbs) == 0 && thresholds > 1 {
		return New(ErrCodeConfiguration, "output template %q has no substitution for %d thresholds", tmpl, thresholds)
	}
	for _, i := range verbs {
		if i == len(tmpl) || !strings.ContainsRune(ThresholdVerbs, rune(tmpl[i])) {
			return New(ErrCodeConfiguration, "output template %q: unsupported substitution, use one of %%v %%g %%f %%e %%s %%d", tmpl)
		}
	}
	return nil
}

// CountVerbs returns the number of fmt verbs in s, ignoring escaped "%%".
func CountVerbs(s string) int {
	return len(VerbIndexes(s))
}

// VerbIndexes returns the index of the conversion character of each fmt
// verb in s, skipping flags, width and precision. Escaped "%%" is ignored.
// A verb cut off by the end of s is reported at len(s).
func VerbIndexes(s string) []int {
	var idx []int
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+1 < len(s) && s[i+1] == '%' {
			i++
			continue
		}
		j := i + 1
		for j < len(s) && strings.IndexByte("+-# 0123456789.", s[j]) >= 0 {
			j++
		}
		idx = append(idx, j)
		i = j
	}
	return idx
}

package typesys

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/me/mobgo/pkg/model"
)

// Converter is a pluggable format-conversion program (e.g. squizz).
// Implementations wrap an external executable; tests register fakes.
type Converter interface {
	// Name identifies the converter program.
	Name() string

	// Detect sniffs the format of the file at path. ok is false when
	// the converter does not recognize the content.
	Detect(path string) (format string, count int, ok bool)

	// Outputs lists the formats this converter can produce from the
	// given input format.
	Outputs(from string) []string

	// Convert rewrites src into dst under the target format.
	Convert(src, dst, fromFormat, toFormat string) error
}

// Reformat applies the format-conversion policy to a detected file:
//
//   - an empty accepted list takes any detected format as-is;
//   - an accepted format equal to the detected one with force=false is
//     taken as-is;
//   - otherwise the converter chain is searched for one able to produce
//     an accepted output format, preferring the converter that detected
//     the input;
//   - no chain yields an UnsupportedFormatError.
//
// The returned path is the stored file (the original when no conversion
// ran); eff always carries the format actually produced.
func (r *Registry) Reformat(path, dir string, detected MobyleType, accepted []AcceptedFormat) (string, MobyleType, error) {
	if len(accepted) == 0 {
		return path, detected, nil
	}

	for _, f := range accepted {
		if f.Format == detected.Format && !f.Force {
			return path, detected, nil
		}
	}

	for _, conv := range r.orderedConverters(detected.Producer) {
		outputs := conv.Outputs(detected.Format)
		for _, f := range accepted {
			if f.Format == detected.Format && !f.Force {
				continue
			}
			if !contains(outputs, f.Format) {
				continue
			}
			// SafeName keeps the conversion from clobbering the original
			// when the derived name coincides with an existing file.
			dst := filepath.Join(dir, SafeName(dir, convertedName(filepath.Base(path), f.Format)))
			if err := conv.Convert(path, dst, detected.Format, f.Format); err != nil {
				r.logger.Warn("converter failed",
					"converter", conv.Name(),
					"from", detected.Format,
					"to", f.Format,
					"error", err,
				)
				continue
			}
			eff := detected
			eff.Format = f.Format
			eff.Producer = conv.Name()
			return dst, eff, nil
		}
	}

	return "", detected, &model.UnsupportedFormatError{
		Detected: detected.Format,
		Accepted: acceptedNames(accepted),
	}
}

// orderedConverters returns the converter chain with preferred (the one
// that detected the input) moved to the front.
func (r *Registry) orderedConverters(preferred string) []Converter {
	if preferred == "" {
		return r.converters
	}
	ordered := make([]Converter, 0, len(r.converters))
	for _, c := range r.converters {
		if c.Name() == preferred {
			ordered = append(ordered, c)
		}
	}
	for _, c := range r.converters {
		if c.Name() != preferred {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// convertedName derives the output file name for a reformatted file:
// the original base with the target format as lowercase extension.
func convertedName(base, format string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s.%s", stem, strings.ToLower(format))
}

func acceptedNames(accepted []AcceptedFormat) []string {
	names := make([]string, len(accepted))
	for i, f := range accepted {
		names[i] = f.Format
	}
	return names
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

package typesys

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/me/mobgo/pkg/model"
)

// SafeName returns a destination name inside dir that does not clobber
// an existing file. On a clash it appends ".<n>" before the extension
// for the smallest unused n: file.fasta, file.1.fasta, file.2.fasta.
func SafeName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d%s", base, n, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// materialize writes or hard-links src into dir under a collision-safe
// name and returns the name used. Hard-linking falls back to copying
// across filesystems.
func materialize(src Source, dir string) (string, error) {
	name := src.Name
	if name == "" && src.Path != "" {
		name = filepath.Base(src.Path)
	}
	if name == "" {
		return "", fmt.Errorf("source has no destination name")
	}
	name = SafeName(dir, name)
	dst := filepath.Join(dir, name)

	if src.Path != "" {
		if err := os.Link(src.Path, dst); err == nil {
			return name, nil
		}
		in, err := os.Open(src.Path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", src.Path, err)
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", dst, err)
		}
		defer out.Close()
		if _, err := io.Copy(out, in); err != nil {
			return "", fmt.Errorf("copy to %s: %w", dst, err)
		}
		return name, nil
	}

	if err := os.WriteFile(dst, src.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	return name, nil
}

// head reads at most maxBytes from path. When truncated it appends a
// note with human-readable sizes.
func head(path string, maxBytes int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	out := string(buf[:n])
	if info.Size() > int64(n) {
		out += fmt.Sprintf("\n... (first %s of %s)",
			humanize.Bytes(uint64(n)), humanize.Bytes(uint64(info.Size())))
	}
	return out, nil
}

// TextType holds textual file data with no format semantics of its own.
type TextType struct{}

func (*TextType) Name() string { return "Text" }

func (*TextType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Text"
	switch v := value.(type) {
	case string:
		return v, eff, nil
	case []byte:
		return string(v), eff, nil
	}
	return nil, eff, model.NewUserValueError("", "%v is not text data", value)
}

func (*TextType) Validate(value any, c Constraints) error {
	s, ok := value.(string)
	if !ok {
		return model.NewUserValueError("", "value is not text data")
	}
	if !utf8.ValidString(s) || bytes.ContainsRune([]byte(s), 0) {
		return model.NewUserValueError("", "value is not valid text data")
	}
	return nil
}

// Detect classifies the content as text; the concrete format stays
// empty, Text has none.
func (*TextType) Detect(path string) MobyleType {
	return MobyleType{DataType: "Text"}
}

func (*TextType) ToFile(src Source, dir string) (string, error) {
	return materialize(src, dir)
}

func (*TextType) Head(path string, maxBytes int) (string, error) {
	return head(path, maxBytes)
}

// BinaryType holds opaque file data.
type BinaryType struct{}

func (*BinaryType) Name() string { return "Binary" }

func (*BinaryType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Binary"
	return value, eff, nil
}

func (*BinaryType) Validate(value any, c Constraints) error { return nil }

func (*BinaryType) Detect(path string) MobyleType {
	return MobyleType{DataType: "Binary"}
}

func (*BinaryType) ToFile(src Source, dir string) (string, error) {
	return materialize(src, dir)
}

// Head previews binary data as a size line only.
func (*BinaryType) Head(path string, maxBytes int) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return fmt.Sprintf("binary data, %s", humanize.Bytes(uint64(info.Size()))), nil
}

// filenameForbidden strips everything a filename mask may not carry.
var filenameForbidden = regexp.MustCompile(`[^\w.+-]`)

// SanitizeFilename reduces a name to its safe form. A mask is provably
// safe when it equals its own sanitized form.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = filenameForbidden.ReplaceAllString(name, "_")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

// maskForbidden is filenameForbidden with the glob metacharacters
// allowed, for output file name masks.
var maskForbidden = regexp.MustCompile(`[^\w.+*?\[\]-]`)

// SanitizeMask reduces an output file name mask to its safe form. A
// mask is provably safe when it equals its own sanitized form; an
// unsafe mask is a broken service definition, never a user error.
func SanitizeMask(mask string) string {
	mask = filepath.Base(mask)
	mask = maskForbidden.ReplaceAllString(mask, "_")
	mask = strings.ReplaceAll(mask, "..", "_")
	return mask
}

// FilenameType holds a user-supplied output file name.
type FilenameType struct{}

func (*FilenameType) Name() string { return "Filename" }

func (*FilenameType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Filename"
	s, ok := value.(string)
	if !ok {
		return nil, eff, model.NewUserValueError("", "%v is not a file name", value)
	}
	return s, eff, nil
}

func (*FilenameType) Validate(value any, c Constraints) error {
	s, ok := value.(string)
	if !ok || s == "" {
		return model.NewUserValueError("", "value is not a file name")
	}
	if s != SanitizeFilename(s) {
		return model.NewUserValueError("", "%q is not an authorized file name", s)
	}
	return nil
}

func (*FilenameType) Detect(path string) MobyleType {
	return MobyleType{DataType: "Filename"}
}

func (*FilenameType) ToFile(src Source, dir string) (string, error) {
	return materialize(src, dir)
}

func (*FilenameType) Head(path string, maxBytes int) (string, error) {
	return head(path, maxBytes)
}

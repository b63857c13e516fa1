package typesys

import (
	"bufio"
	"os"
	"strings"

	"github.com/me/mobgo/pkg/model"
)

// SequenceType holds biological sequence data. Format detection first
// asks the registered converters (they would also perform the
// reformatting), then falls back to builtin header sniffing.
type SequenceType struct {
	registry *Registry
}

func (*SequenceType) Name() string { return "Sequence" }

func (t *SequenceType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Sequence"
	switch v := value.(type) {
	case string:
		return v, eff, nil
	case []byte:
		return string(v), eff, nil
	}
	return nil, eff, model.NewUserValueError("", "%v is not sequence data", value)
}

func (t *SequenceType) Validate(value any, c Constraints) error {
	if _, ok := value.(string); !ok {
		return model.NewUserValueError("", "value is not sequence data")
	}
	return nil
}

// Detect sniffs the concrete sequence format. Unknown content yields a
// MobyleType with an empty format, never an error.
func (t *SequenceType) Detect(path string) MobyleType {
	mt := MobyleType{DataType: "Sequence"}

	if t.registry != nil {
		for _, conv := range t.registry.converters {
			if format, count, ok := conv.Detect(path); ok {
				mt.Format = format
				mt.Count = count
				mt.Producer = conv.Name()
				return mt
			}
		}
	}

	format, count := sniffSequence(path)
	mt.Format = format
	mt.Count = count
	return mt
}

func (t *SequenceType) ToFile(src Source, dir string) (string, error) {
	return materialize(src, dir)
}

func (t *SequenceType) Head(path string, maxBytes int) (string, error) {
	return head(path, maxBytes)
}

// sniffSequence recognizes the common flat-file sequence formats by
// their leading records and counts the entries of the leading format.
func sniffSequence(path string) (format string, count int) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	first := ""
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first == "" {
			first = line
		}
		switch {
		case strings.HasPrefix(line, ">"):
			if format == "" {
				format = "FASTA"
			}
			if format == "FASTA" {
				count++
			}
		case strings.HasPrefix(line, "@") && format == "":
			format = "FASTQ"
			count++
		case strings.HasPrefix(line, "@") && format == "FASTQ":
			count++
		case strings.HasPrefix(line, "LOCUS ") && format == "":
			format = "GENBANK"
			count++
		case strings.HasPrefix(line, "LOCUS ") && format == "GENBANK":
			count++
		case strings.HasPrefix(line, "ID   ") && format == "":
			format = "EMBL"
			count++
		case strings.HasPrefix(line, "ID   ") && format == "EMBL":
			count++
		case strings.HasPrefix(line, "# STOCKHOLM") && format == "":
			format = "STOCKHOLM"
			count++
		case strings.HasPrefix(line, "CLUSTAL") && format == "":
			format = "CLUSTAL"
			count++
		}
	}

	// FASTQ quality separators also start with '+'; the leading '@'
	// check above is sufficient for counting reads only when records
	// are well formed, so fall back to a conservative count of 1.
	if format == "FASTQ" && count == 0 {
		count = 1
	}
	return format, count
}

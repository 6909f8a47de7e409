package zeus

import (
	"fmt"
	"strconv"
	"strings"

	appErr "ojeval/pkg/errors"
)

// Names of the metadata decoders selectable through zeus_metadata_decoder.
const (
	DecoderCSV     = "zeus.csv"
	DecoderTestrun = "zeus.testrun"
)

// TestInfo is what a metadata decoder extracts for one test.
type TestInfo struct {
	Name     string
	Group    string
	MaxScore int64
}

// MetadataDecoder turns the metadata string Zeus attaches to a result into
// test information.
type MetadataDecoder func(metadata string) (TestInfo, error)

var decoders = map[string]MetadataDecoder{
	DecoderCSV:     FromCSVMetadata,
	DecoderTestrun: TestrunMetadata,
}

func metadataDecoder(name string) (MetadataDecoder, error) {
	if name == "" {
		name = DecoderCSV
	}
	decoder, ok := decoders[name]
	if !ok {
		return nil, appErr.Newf(appErr.HandlerNotRegistered, "unknown zeus metadata decoder %q", name)
	}
	return decoder, nil
}

// FromCSVMetadata decodes "name, group, max_score". An empty group puts
// the test in a group of its own.
func FromCSVMetadata(metadata string) (TestInfo, error) {
	fields := strings.Split(metadata, ",")
	if len(fields) != 3 {
		return TestInfo{}, fmt.Errorf("expected 3 metadata fields, got %d in %q", len(fields), metadata)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	maxScore, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return TestInfo{}, fmt.Errorf("invalid max_score %q: %w", fields[2], err)
	}
	info := TestInfo{Name: fields[0], Group: fields[1], MaxScore: maxScore}
	if info.Group == "" {
		info.Group = info.Name
	}
	return info, nil
}

// TestrunMetadata ignores the metadata: a test run has a single test.
func TestrunMetadata(string) (TestInfo, error) {
	return TestInfo{Name: "test"}, nil
}

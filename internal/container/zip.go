package container

import (
	"archive/zip"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"strconv"
	"strings"

	"cyclerdata/internal/errors"
)

// Member names used inside zip-based archives
const (
	zipDescriptorName = "TestInfo.xml"
	zipStepsName      = "Step.xml"
	zipDataPrefix     = "data_"
	zipDataSuffix     = ".ndc"
)

// logicalName maps a zip member name to its logical payload name
func logicalName(member string) (string, bool) {
	base := path.Base(strings.ReplaceAll(member, "\\", "/"))
	lower := strings.ToLower(base)

	switch lower {
	case strings.ToLower(zipDescriptorName):
		return PayloadDescriptor, true
	case strings.ToLower(zipStepsName):
		return PayloadSteps, true
	}

	if strings.HasPrefix(lower, zipDataPrefix) && strings.HasSuffix(lower, zipDataSuffix) {
		num := strings.TrimSuffix(strings.TrimPrefix(lower, zipDataPrefix), zipDataSuffix)
		if n, err := strconv.Atoi(num); err == nil && n >= 0 {
			return ChannelPayload(n), true
		}
	}
	return "", false
}

// memberName maps a logical payload name to the zip member name written by WriteZip
func memberName(logical string) (string, error) {
	switch logical {
	case PayloadDescriptor:
		return zipDescriptorName, nil
	case PayloadSteps:
		return zipStepsName, nil
	}
	if n, ok := ParseChannelPayload(logical); ok {
		return zipDataPrefix + strconv.Itoa(n) + zipDataSuffix, nil
	}
	return "", fmt.Errorf("no zip member for payload %q", logical)
}

func readZip(r io.ReaderAt, size int64, source string) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &errors.ContainerFormatError{Source: source, Reason: "invalid zip structure", Cause: err}
	}

	a := &Archive{Source: source, Kind: KindZip}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, ok := logicalName(f.Name)
		if !ok {
			a.Ignored = append(a.Ignored, f.Name)
			continue
		}

		data, err := readZipMember(f, source, name)
		if err != nil {
			return nil, err
		}

		offset, _ := f.DataOffset()
		if err := a.add(name, data, offset); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func readZipMember(f *zip.File, source, logical string) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		offset, _ := f.DataOffset()
		return nil, &errors.ContainerFormatError{Source: source, Offset: offset, Reason: fmt.Sprintf("open member %q", f.Name), Cause: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	switch {
	case err == nil:
		return data, nil
	case stderrors.Is(err, zip.ErrChecksum):
		return nil, &errors.ContainerCorruptError{
			Source:   source,
			Payload:  logical,
			Expected: f.CRC32,
			Actual:   crc32.ChecksumIEEE(data),
		}
	default:
		// A broken deflate stream inside a well-formed directory is corruption
		// of the member, not an unknown layout.
		return nil, &errors.ContainerCorruptError{Source: source, Payload: logical, Expected: f.CRC32, Cause: err}
	}
}

// WriteZip writes entries as a zip-based archive using vendor member names
func WriteZip(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		member, err := memberName(e.Name)
		if err != nil {
			return err
		}
		fw, err := zw.Create(member)
		if err != nil {
			return fmt.Errorf("create member %q: %w", member, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("write member %q: %w", member, err)
		}
	}
	return zw.Close()
}

package container

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"cyclerdata/internal/errors"
)

// RawVersion is the single-file header version written by WriteRaw
const RawVersion uint16 = 1

const (
	rawHeaderSize   = 12 // magic(8) version(2) count(2)
	maxRawNameLen   = 256
	maxRawEntrySize = 1 << 30
)

// Entry is one named payload written into a container
type Entry struct {
	Name string
	Data []byte

	// NoChecksum writes a zero checksum, marking it absent (raw only)
	NoChecksum bool
}

// readRaw parses the single-file encoding:
//
//	magic[8] | version u16 | count u16 | count x (nameLen u16 | name | size u32 | crc32 u32 | data)
//
// All integers are little-endian. A zero crc32 means no checksum was stored.
func readRaw(r io.ReaderAt, size int64, source string) (*Archive, error) {
	a := &Archive{Source: source, Kind: KindRaw}

	if size < rawHeaderSize {
		return nil, &errors.ContainerFormatError{Source: source, Offset: size, Reason: "truncated header"}
	}

	hdr := make([]byte, 4)
	if _, err := r.ReadAt(hdr, int64(len(rawMagic))); err != nil {
		return nil, &errors.ContainerFormatError{Source: source, Offset: int64(len(rawMagic)), Reason: "read header", Cause: err}
	}
	version := binary.LittleEndian.Uint16(hdr[0:2])
	count := binary.LittleEndian.Uint16(hdr[2:4])
	if version != RawVersion {
		return nil, &errors.ContainerFormatError{Source: source, Offset: int64(len(rawMagic)), Reason: fmt.Sprintf("unsupported container version %d", version)}
	}

	off := int64(rawHeaderSize)
	for i := 0; i < int(count); i++ {
		entryStart := off

		var lenBuf [2]byte
		if err := readFull(r, lenBuf[:], off, size); err != nil {
			return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("entry %d: truncated name length", i)}
		}
		nameLen := int(binary.LittleEndian.Uint16(lenBuf[:]))
		off += 2
		if nameLen == 0 || nameLen > maxRawNameLen {
			return nil, &errors.ContainerFormatError{Source: source, Offset: entryStart, Reason: fmt.Sprintf("entry %d: bad name length %d", i, nameLen)}
		}

		name := make([]byte, nameLen)
		if err := readFull(r, name, off, size); err != nil {
			return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("entry %d: truncated name", i)}
		}
		off += int64(nameLen)

		var meta [8]byte
		if err := readFull(r, meta[:], off, size); err != nil {
			return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("entry %q: truncated size/checksum", name)}
		}
		dataLen := int64(binary.LittleEndian.Uint32(meta[0:4]))
		want := binary.LittleEndian.Uint32(meta[4:8])
		off += 8

		if dataLen > maxRawEntrySize || off+dataLen > size {
			return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("entry %q: size %d exceeds container", name, dataLen)}
		}
		data := make([]byte, dataLen)
		if err := readFull(r, data, off, size); err != nil {
			return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("entry %q: read data", name), Cause: err}
		}
		off += dataLen

		if want != 0 {
			if got := crc32.ChecksumIEEE(data); got != want {
				return nil, &errors.ContainerCorruptError{Source: source, Payload: string(name), Expected: want, Actual: got}
			}
		}

		if err := a.add(string(name), data, entryStart); err != nil {
			return nil, err
		}
	}

	if off != size {
		return nil, &errors.ContainerFormatError{Source: source, Offset: off, Reason: fmt.Sprintf("%d trailing bytes after last entry", size-off)}
	}
	return a, nil
}

func readFull(r io.ReaderAt, buf []byte, off, size int64) error {
	if off+int64(len(buf)) > size {
		return io.ErrUnexpectedEOF
	}
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// WriteRaw writes entries in the single-file encoding. Entry names are
// logical payload names.
func WriteRaw(w io.Writer, entries []Entry) error {
	if len(entries) > 0xFFFF {
		return fmt.Errorf("too many entries: %d", len(entries))
	}

	hdr := make([]byte, 0, rawHeaderSize)
	hdr = append(hdr, rawMagic...)
	hdr = binary.LittleEndian.AppendUint16(hdr, RawVersion)
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(len(entries)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, e := range entries {
		if len(e.Name) == 0 || len(e.Name) > maxRawNameLen {
			return fmt.Errorf("entry name %q: bad length", e.Name)
		}
		if int64(len(e.Data)) > maxRawEntrySize {
			return fmt.Errorf("entry %q: payload too large", e.Name)
		}

		var sum uint32
		if !e.NoChecksum {
			sum = crc32.ChecksumIEEE(e.Data)
		}

		buf := make([]byte, 0, 2+len(e.Name)+8)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Data)))
		buf = binary.LittleEndian.AppendUint32(buf, sum)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write entry %q: %w", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return fmt.Errorf("write entry %q: %w", e.Name, err)
		}
	}
	return nil
}

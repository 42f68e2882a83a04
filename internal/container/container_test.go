package container

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

const testDescriptor = `<?xml version="1.0" encoding="UTF-8"?>
<TestInfo formatVersion="2" testId="42" startTime="2024-03-01T08:00:00Z" barcode="CELL-0001" program="formation.xml">
  <channel id="1" model="BTS4000-5V6A" range="6A"/>
  <channel id="2" model="BTS4000-5V6A" range="6A"/>
</TestInfo>`

const testSteps = `<StepProgram><Step index="1" type="CC_Chg"/><Step index="2" type="Rest"/></StepProgram>`

func testEntries() []Entry {
	return []Entry{
		{Name: PayloadDescriptor, Data: []byte(testDescriptor)},
		{Name: ChannelPayload(1), Data: bytes.Repeat([]byte{0x55, 0x01}, 64)},
		{Name: ChannelPayload(2), Data: bytes.Repeat([]byte{0x56, 0x02}, 32)},
		{Name: PayloadSteps, Data: []byte(testSteps)},
	}
}

func writeArchive(t *testing.T, kind Kind, entries []Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch kind {
	case KindRaw:
		require.NoError(t, WriteRaw(&buf, entries))
	case KindZip:
		require.NoError(t, WriteZip(&buf, entries))
	}
	return buf.Bytes()
}

func TestRead(t *testing.T) {
	for _, kind := range []Kind{KindRaw, KindZip} {
		t.Run(string(kind), func(t *testing.T) {
			data := writeArchive(t, kind, testEntries())

			a, err := Read(bytes.NewReader(data), int64(len(data)), "run")
			require.NoError(t, err)

			assert.Equal(t, kind, a.Kind)
			assert.Equal(t, []int{1, 2}, a.Channels())

			payloads := a.Payloads()
			require.Len(t, payloads, 4)
			for _, e := range testEntries() {
				assert.Equal(t, e.Data, payloads[e.Name], e.Name)
			}

			desc, err := a.Descriptor()
			require.NoError(t, err)
			assert.Equal(t, 2, desc.FormatVersion())
			assert.Equal(t, uint64(42), desc.TestID)
			assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), desc.StartTime())

			steps, err := a.Steps()
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, domain.StepModeCCCharge, steps[0].Mode)
			assert.Equal(t, domain.StepModeRest, steps[1].Mode)
		})
	}
}

func TestOpen_ExtractTwiceIsIdentical(t *testing.T) {
	for _, kind := range []Kind{KindRaw, KindZip} {
		t.Run(string(kind), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "run."+string(kind))
			require.NoError(t, os.WriteFile(path, writeArchive(t, kind, testEntries()), 0o644))

			first, err := Open(path)
			require.NoError(t, err)
			second, err := Open(path)
			require.NoError(t, err)

			assert.Equal(t, first.Payloads(), second.Payloads())
			assert.Equal(t, "run."+string(kind), first.Source)

			// Extraction must not touch the file
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, writeArchive(t, kind, testEntries()), after)
		})
	}
}

func TestRead_FormatErrors(t *testing.T) {
	valid := writeArchive(t, KindRaw, testEntries())

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "unknown magic", data: []byte("GARBAGE-FILE-CONTENT")},
		{name: "truncated header", data: valid[:10]},
		{name: "truncated entry", data: valid[:len(valid)-5]},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0, 0, 0)},
		{name: "bad version", data: func() []byte {
			d := append([]byte{}, valid...)
			binary.LittleEndian.PutUint16(d[8:10], 9)
			return d
		}()},
		{name: "zip without descriptor", data: writeArchive(t, KindZip, testEntries()[1:2])},
		{name: "broken zip directory", data: append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 40)...)},
		{name: "duplicate payload", data: writeArchive(t, KindRaw, append(testEntries(), Entry{Name: PayloadSteps, Data: []byte("x")}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.data), int64(len(tt.data)), "bad.nda")
			require.Error(t, err)

			var fe *errors.ContainerFormatError
			require.True(t, stderrors.As(err, &fe), "got %T: %v", err, err)
			assert.Equal(t, "bad.nda", fe.Source)
			assert.Equal(t, errors.ErrorTypeFormat, errors.TypeOf(err))
		})
	}
}

func TestRead_RawChecksumMismatch(t *testing.T) {
	data := writeArchive(t, KindRaw, testEntries())

	// Flip the last byte of the steps payload, the final entry
	data[len(data)-2] ^= 0xFF

	_, err := Read(bytes.NewReader(data), int64(len(data)), "run.nda")
	require.Error(t, err)

	var ce *errors.ContainerCorruptError
	require.True(t, stderrors.As(err, &ce), "got %T: %v", err, err)
	assert.Equal(t, PayloadSteps, ce.Payload)
	assert.NotEqual(t, ce.Expected, ce.Actual)
}

func TestRead_RawAbsentChecksumIsAccepted(t *testing.T) {
	entries := testEntries()
	entries[1].NoChecksum = true
	data := writeArchive(t, KindRaw, entries)

	a, err := Read(bytes.NewReader(data), int64(len(data)), "run.nda")
	require.NoError(t, err)
	p, ok := a.Payload(ChannelPayload(1))
	require.True(t, ok)
	assert.Equal(t, entries[1].Data, p)
}

func TestRead_ZipChecksumMismatch(t *testing.T) {
	data := writeArchive(t, KindZip, []Entry{
		{Name: PayloadDescriptor, Data: []byte(testDescriptor)},
		{Name: ChannelPayload(3), Data: []byte(strings.Repeat("cycler-record-data", 50))},
	})

	// Corrupt a byte inside the deflated body of the second member
	idx := bytes.Index(data, []byte("data_3.ndc"))
	require.Positive(t, idx)
	data[idx+len("data_3.ndc")+4] ^= 0x01

	_, err := Read(bytes.NewReader(data), int64(len(data)), "run.ndax")
	require.Error(t, err)

	var ce *errors.ContainerCorruptError
	require.True(t, stderrors.As(err, &ce), "got %T: %v", err, err)
	assert.Equal(t, ChannelPayload(3), ce.Payload)
}

func TestRead_ZipIgnoresUnknownMembers(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"TestInfo.xml":   testDescriptor,
		"data_1.ndc":     "records",
		"Log/backup.txt": "operator notes",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	a, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "run.ndax")
	require.NoError(t, err)
	assert.Equal(t, []string{"Log/backup.txt"}, a.Ignored)
	assert.Equal(t, []int{1}, a.Channels())
}

func TestLogicalName(t *testing.T) {
	tests := []struct {
		member string
		want   string
		ok     bool
	}{
		{"TestInfo.xml", PayloadDescriptor, true},
		{"nested/testinfo.XML", PayloadDescriptor, true},
		{"Step.xml", PayloadSteps, true},
		{"data_7.ndc", ChannelPayload(7), true},
		{"DATA_12.NDC", ChannelPayload(12), true},
		{"data_x.ndc", "", false},
		{"readme.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			got, ok := logicalName(tt.member)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "{}"},
		{"missing version", `<TestInfo testId="1"/>`},
		{"bad start time", `<TestInfo formatVersion="1" startTime="yesterday"/>`},
		{"duplicate channel", `<TestInfo formatVersion="1"><channel id="1" model="A"/><channel id="1" model="A"/></TestInfo>`},
		{"channel without model", `<TestInfo formatVersion="1"><channel id="1"/></TestInfo>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestDescriptor_MarshalRoundTrip(t *testing.T) {
	d := &Descriptor{
		Version: 1,
		TestID:  7,
		Start:   "2024-01-02T03:04:05Z",
		Barcode: "B-1",
		Channels: []DescriptorChannel{
			{ID: 1, Model: "BTS-5V", Range: "1A"},
		},
	}
	data, err := d.Marshal()
	require.NoError(t, err)

	got, err := ParseDescriptor(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, got.FormatVersion())
	ch, ok := got.Channel(1)
	require.True(t, ok)
	assert.Equal(t, "BTS-5V", ch.Model)
	_, ok = got.Channel(9)
	assert.False(t, ok)
}

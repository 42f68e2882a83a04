// Package decoder parses fixed-width binary channel payloads into raw records.
//
// Each format version has a Layout: a flat table of field offsets and widths.
// The layout is picked once per stream from the archive descriptor's version
// tag and never switched mid-stream. The discriminator byte of every record
// selects one of three handlers (sample, step transition, end marker); any
// other byte fails the whole payload.
package decoder

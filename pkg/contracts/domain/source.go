package domain

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

// RecordSource produces the converted record stream of one channel.
// Records may be called any number of times; each call restarts the
// stream from its first record.
type RecordSource interface {
	Records(ctx context.Context) iter.Seq2[Record, error]
}

// RecordSourceFunc adapts a function to RecordSource
type RecordSourceFunc func(ctx context.Context) iter.Seq2[Record, error]

// Records implements RecordSource
func (f RecordSourceFunc) Records(ctx context.Context) iter.Seq2[Record, error] {
	return f(ctx)
}

// SliceSource serves records from memory
type SliceSource []Record

// Records implements RecordSource
func (s SliceSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, r := range s {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Query selects the records of one test on one channel, optionally
// restricted to a time range. Zero From/To leave that side open.
type Query struct {
	TestID    uint64    `json:"test_id"`
	ChannelID string    `json:"channel_id" validate:"required"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
}

// Contains reports whether ts falls within the query's time range
func (q Query) Contains(ts time.Time) bool {
	if !q.From.IsZero() && ts.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ts.After(q.To) {
		return false
	}
	return true
}

// ChannelAddress identifies a physical channel on the rig as
// device id, sub-device id and channel id.
type ChannelAddress struct {
	DeviceID    int `json:"devid"`
	SubDeviceID int `json:"subdevid"`
	Channel     int `json:"chlid"`
}

// String returns the "devid-subdevid-chlid" pipeline key
func (a ChannelAddress) String() string {
	return fmt.Sprintf("%d-%d-%d", a.DeviceID, a.SubDeviceID, a.Channel)
}

// ParseChannelAddress parses a "devid-subdevid-chlid" pipeline key
func ParseChannelAddress(s string) (ChannelAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return ChannelAddress{}, fmt.Errorf("invalid channel address %q: want devid-subdevid-chlid", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return ChannelAddress{}, fmt.Errorf("invalid channel address %q: bad component %q", s, p)
		}
		vals[i] = v
	}
	return ChannelAddress{DeviceID: vals[0], SubDeviceID: vals[1], Channel: vals[2]}, nil
}

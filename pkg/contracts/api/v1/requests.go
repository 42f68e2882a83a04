// Package api contains the request contracts of the v1 HTTP API.
// Fields carry query tags naming the parameter they are read from and
// validate tags checked by the transport layer.
package api

import (
	"time"

	"cyclerdata/pkg/contracts/domain"
)

// Run representations
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ArchiveRequest names an archive in the archive directory
type ArchiveRequest struct {
	Name string `json:"name" query:"name" validate:"archive"`
}

// RunRequest selects the representation of a test run; empty means JSON
type RunRequest struct {
	Format string `json:"format" query:"format" validate:"omitempty,oneof=json csv xlsx"`
}

// StoredRunRequest selects a test run from the SQL data store. From and
// To are RFC 3339 and optional.
type StoredRunRequest struct {
	Channel string `json:"channel" query:"channel" validate:"required,max=64"`
	Format  string `json:"format" query:"format" validate:"omitempty,oneof=json csv xlsx"`
	From    string `json:"from" query:"from" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To      string `json:"to" query:"to" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// Query converts a validated request into a record query for testID
func (r StoredRunRequest) Query(testID uint64) domain.Query {
	return domain.Query{
		TestID:    testID,
		ChannelID: r.Channel,
		From:      parseTime(r.From),
		To:        parseTime(r.To),
	}
}

// parseTime parses an already validated RFC 3339 value; empty is zero
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

package bts

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/time/rate"

	"cyclerdata/internal/errors"
	"cyclerdata/internal/shared/testutil"
	"cyclerdata/pkg/contracts/domain"
)

// fakeServer answers BTS commands on one end of a net.Pipe
type fakeServer struct {
	channels  []Channel
	data      map[string][]string // channel key → download row elements
	rejectAll bool
	hang      bool

	downloads atomic.Int32
	starts    []int
	mu        sync.Mutex
}

var attrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func attrs(s string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func (f *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		req, err := readFrame(rd)
		if err != nil {
			return
		}
		if f.hang {
			continue
		}
		if _, err := conn.Write(frame(f.reply(req))); err != nil {
			return
		}
	}
}

func (f *fakeServer) reply(req string) string {
	cmd := replyCommand(req)
	var b strings.Builder
	fmt.Fprintf(&b, "<cmd>%s</cmd>", cmd)

	switch cmd {
	case "connect":
		if f.rejectAll {
			b.WriteString("<result>fail</result>")
		} else {
			b.WriteString("<result>ok</result>")
		}
	case "getdevinfo":
		fmt.Fprintf(&b, `<middle count="%d">`, len(f.channels))
		for _, ch := range f.channels {
			fmt.Fprintf(&b, `<channel ip="%s" devtype="%d" devid="%d" subdevid="%d" Channelid="%d">true</channel>`,
				ch.IP, ch.DevType, ch.DeviceID, ch.SubDeviceID, ch.ChannelID)
		}
		b.WriteString("</middle>")
	case "getchlstatus", "inquire":
		elem := "status"
		if cmd == "inquire" {
			elem = "inquire"
		}
		re := regexp.MustCompile(`<` + elem + `\s([^>]*)>`)
		matches := re.FindAllStringSubmatch(req, -1)
		fmt.Fprintf(&b, `<list count="%d">`, len(matches))
		for _, m := range matches {
			a := attrs(m[1])
			// The real server always echoes subdevid 1
			if cmd == "inquire" {
				fmt.Fprintf(&b, `<inquire ip="%s" devtype="%s" devid="%s" subdevid="1" chlid="%s" cycle="3" volt="3.7001" curr="--" workstatus="working">true</inquire>`,
					a["ip"], a["devtype"], a["devid"], a["chlid"])
			} else {
				fmt.Fprintf(&b, `<status ip="%s" devtype="%s" devid="%s" subdevid="1" chlid="%s">working</status>`,
					a["ip"], a["devtype"], a["devid"], a["chlid"])
			}
		}
		b.WriteString("</list>")
	case "download":
		f.downloads.Add(1)
		a := attrs(req[strings.Index(req, "<download"):])
		key := a["devid"] + "-" + a["subdevid"] + "-" + a["chlid"]
		start, _ := strconv.Atoi(a["startpos"])
		count, _ := strconv.Atoi(a["count"])
		f.mu.Lock()
		f.starts = append(f.starts, start)
		f.mu.Unlock()

		rows := f.data[key]
		lo := min(start-1, len(rows))
		hi := min(lo+count, len(rows))
		fmt.Fprintf(&b, `<list count="%d">`, hi-lo)
		for _, r := range rows[lo:hi] {
			b.WriteString(r)
		}
		b.WriteString("</list>")
	}
	return b.String()
}

func (f *fakeServer) startPositions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.starts...)
}

// pipeDialer hands out the client end of a pipe served by srv
type pipeDialer struct {
	srv *fakeServer
	err error
}

func (d pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go d.srv.serve(server)
	return client, nil
}

// sampleRows builds n download rows: a charge step for the first half and
// a rest step after it, one second apart
func sampleRows(n int, testID int) []string {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := make([]string, n)
	for i := range rows {
		step, mode, curr := 1, "CC_Chg", "0.5"
		if i >= n/2 {
			step, mode, curr = 2, "Rest", "0"
		}
		temp := "25.5"
		if i%3 == 0 {
			temp = "--"
		}
		rows[i] = fmt.Sprintf(`<data seqid="%d" testid="%d" cycle="1" step="%d" steptype="%s" testtime="%d.0" steptime="1.0" volt="3.%04d" curr="%s" temp="%s" cap="%.6f" eng="%.6f" atime="%s"/>`,
			i+1, testID, step, mode, i, 7000+i, curr, temp, float64(i)*0.001, float64(i)*0.0037,
			base.Add(time.Duration(i)*time.Second).Format(absTimeLayout))
	}
	return rows
}

type ClientTestSuite struct {
	suite.Suite
	srv    *fakeServer
	client *Client
}

func (suite *ClientTestSuite) SetupTest() {
	suite.srv = &fakeServer{
		channels: []Channel{
			{IP: "127.0.0.1", DevType: 24, DeviceID: 13, SubDeviceID: 5, ChannelID: 5},
			{IP: "127.0.0.1", DevType: 24, DeviceID: 13, SubDeviceID: 1, ChannelID: 2},
		},
		data: map[string][]string{
			"13-5-5": sampleRows(10, 7),
			"13-1-2": nil,
		},
	}

	logger, _ := testutil.NewTestLogger(suite.T())
	var err error
	suite.client, err = Dial(context.Background(), pipeDialer{srv: suite.srv}, "bts:502",
		WithChunkSize(4), WithLogger(logger))
	require.NoError(suite.T(), err)
}

func (suite *ClientTestSuite) TearDownTest() {
	if suite.client != nil {
		suite.client.Close()
	}
}

func (suite *ClientTestSuite) TestChannelMap() {
	keys := suite.client.ChannelKeys()
	suite.Equal([]string{"13-1-2", "13-5-5"}, keys)

	ch, ok := suite.client.Channel("13-5-5")
	suite.True(ok)
	suite.Equal(int64(24), ch.DevType)
	suite.Equal("13-5-5", ch.Key())
}

func (suite *ClientTestSuite) TestStatusKeepsChannelMapIdentity() {
	status, err := suite.client.Status(context.Background(), "13-5-5")
	suite.Require().NoError(err)
	suite.Require().Contains(status, "13-5-5")

	row := status["13-5-5"]
	suite.Equal(int64(5), row["subdevid"], "reply subdevid must be corrected from the channel map")
	suite.Equal("working", row["status"])
}

func (suite *ClientTestSuite) TestStatusAllChannels() {
	status, err := suite.client.Status(context.Background())
	suite.Require().NoError(err)
	suite.Len(status, 2)
	suite.Equal(int64(1), status["13-1-2"]["subdevid"])
}

func (suite *ClientTestSuite) TestInquire() {
	rows, err := suite.client.Inquire(context.Background(), "13-5-5")
	suite.Require().NoError(err)

	row := rows["13-5-5"]
	volt, ok := row.Float("volt")
	suite.True(ok)
	suite.InDelta(3.7001, volt, 1e-12)
	suite.Nil(row["curr"])
	suite.Equal(int64(5), row["subdevid"])
}

func (suite *ClientTestSuite) TestUnknownChannel() {
	_, err := suite.client.Status(context.Background(), "99-9-9")
	suite.Error(err)
}

func (suite *ClientTestSuite) TestSourcePagesUntilShortChunk() {
	src := NewSource(suite.client, domain.Query{ChannelID: "13-5-5"}, time.UTC)

	var recs []domain.Record
	for rec, err := range src.Records(context.Background()) {
		suite.Require().NoError(err)
		recs = append(recs, rec)
	}

	suite.Len(recs, 10)
	suite.Equal([]int{1, 5, 9}, suite.srv.startPositions())

	for i, rec := range recs {
		suite.Equal(uint64(i+1), rec.Index)
		suite.Equal(uint64(7), rec.TestID)
		suite.Equal("13-5-5", rec.ChannelID)
	}

	first := recs[0]
	suite.Equal(domain.RecordKindSample, first.Kind)
	suite.Equal(domain.StepModeCCCharge, first.Mode)
	suite.InDelta(3.7, first.Voltage, 1e-12)
	suite.InDelta(0.5, first.Current, 1e-12)
	suite.Nil(first.Temperature)
	suite.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), first.Timestamp)

	suite.Require().NotNil(recs[1].Temperature)
	suite.InDelta(25.5, *recs[1].Temperature, 1e-12)
	suite.Equal(4*time.Second, recs[4].TestTime)

	suite.Equal(domain.RecordKindStepTransition, recs[5].Kind)
	suite.Equal(domain.StepModeRest, recs[5].Mode)
	suite.Equal(domain.RecordKindSample, recs[6].Kind)
}

func (suite *ClientTestSuite) TestSourceExactMultipleOfChunk() {
	suite.srv.data["13-5-5"] = sampleRows(8, 7)
	src := NewSource(suite.client, domain.Query{ChannelID: "13-5-5"}, time.UTC)

	n := 0
	for _, err := range src.Records(context.Background()) {
		suite.Require().NoError(err)
		n++
	}
	suite.Equal(8, n)
	suite.Equal([]int{1, 5, 9}, suite.srv.startPositions())
}

func (suite *ClientTestSuite) TestSourceIsRestartable() {
	src := NewSource(suite.client, domain.Query{ChannelID: "13-5-5"}, time.UTC)

	collect := func() []uint64 {
		var idx []uint64
		for rec, err := range src.Records(context.Background()) {
			suite.Require().NoError(err)
			idx = append(idx, rec.Index)
		}
		return idx
	}

	first := collect()
	second := collect()
	suite.Equal(first, second)
	suite.Equal(int32(6), suite.srv.downloads.Load())
}

func (suite *ClientTestSuite) TestSourceTimeRange() {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	q := domain.Query{ChannelID: "13-5-5", From: base.Add(2 * time.Second), To: base.Add(4 * time.Second)}
	src := NewSource(suite.client, q, time.UTC)

	var idx []uint64
	for rec, err := range src.Records(context.Background()) {
		suite.Require().NoError(err)
		idx = append(idx, rec.Index)
	}
	suite.Equal([]uint64{3, 4, 5}, idx)
}

func (suite *ClientTestSuite) TestSourceNoSuchTest() {
	tests := []struct {
		name    string
		channel string
	}{
		{"channel not in map", "1-1-1"},
		{"channel without data", "13-1-2"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			src := NewSource(suite.client, domain.Query{ChannelID: tt.channel}, time.UTC)
			var got error
			for _, err := range src.Records(context.Background()) {
				got = err
			}
			var nst *errors.NoSuchTestError
			suite.Require().ErrorAs(got, &nst)
			suite.Equal(tt.channel, nst.ChannelID)
			suite.False(errors.IsRetryable(got))
		})
	}
}

func (suite *ClientTestSuite) TestSourceStopsEarly() {
	src := NewSource(suite.client, domain.Query{ChannelID: "13-5-5"}, time.UTC)
	for range src.Records(context.Background()) {
		break
	}
	suite.Equal(int32(1), suite.srv.downloads.Load())
}

func (suite *ClientTestSuite) TestSourceCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewSource(suite.client, domain.Query{ChannelID: "13-5-5"}, time.UTC)
	var got error
	for _, err := range src.Records(ctx) {
		got = err
	}
	var ce *errors.CancelledError
	suite.ErrorAs(got, &ce)
	suite.ErrorIs(got, context.Canceled)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestDialUnavailable(t *testing.T) {
	_, err := Dial(context.Background(), pipeDialer{err: fmt.Errorf("connection refused")}, "bts:502")

	var ue *errors.SourceUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "bts:502", ue.Source)
	assert.True(t, errors.IsRetryable(err))
}

func TestConnectRejected(t *testing.T) {
	srv := &fakeServer{rejectAll: true}
	_, err := Dial(context.Background(), pipeDialer{srv: srv}, "bts:502")

	var ue *errors.SourceUnavailableError
	assert.ErrorAs(t, err, &ue)
}

func TestCommandDeadlineClosesConnection(t *testing.T) {
	srv := &fakeServer{hang: true}
	client, server := net.Pipe()
	go srv.serve(server)

	logger, _ := testutil.NewTestLogger(t)
	c := NewClient(client, WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Command(ctx, "<cmd>getdevinfo</cmd>")
	var ce *errors.CancelledError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Command(context.Background(), "<cmd>getdevinfo</cmd>")
	var ue *errors.SourceUnavailableError
	assert.ErrorAs(t, err, &ue, "connection is released after cancellation")
}

func TestDownloadPacedByLimiter(t *testing.T) {
	srv := &fakeServer{
		channels: []Channel{{IP: "127.0.0.1", DevType: 24, DeviceID: 1, SubDeviceID: 1, ChannelID: 1}},
		data:     map[string][]string{"1-1-1": sampleRows(3, 1)},
	}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	c, err := Dial(context.Background(), pipeDialer{srv: srv}, "bts:502", WithChunkSize(1), WithLimiter(limiter))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var got []domain.Record
	var last error
	for rec, err := range NewSource(c, domain.Query{ChannelID: "1-1-1"}, time.UTC).Records(ctx) {
		if err != nil {
			last = err
			break
		}
		got = append(got, rec)
	}

	assert.Len(t, got, 1, "the burst allows one chunk")
	var ce *errors.CancelledError
	assert.ErrorAs(t, last, &ce)
}

func TestDownloadCountsChunks(t *testing.T) {
	srv := &fakeServer{
		channels: []Channel{{IP: "127.0.0.1", DevType: 24, DeviceID: 1, SubDeviceID: 1, ChannelID: 1}},
		data:     map[string][]string{"1-1-1": sampleRows(10, 1)},
	}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	counter, err := provider.Meter("bts-test").Int64Counter("chunks")
	require.NoError(t, err)

	c, err := Dial(context.Background(), pipeDialer{srv: srv}, "bts:502", WithChunkSize(4), WithChunkCounter(counter))
	require.NoError(t, err)
	defer c.Close()

	for _, err := range NewSource(c, domain.Query{ChannelID: "1-1-1"}, time.UTC).Records(context.Background()) {
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	source, _ := sum.DataPoints[0].Attributes.Value("source")
	assert.Equal(t, "bts", source.AsString())
}

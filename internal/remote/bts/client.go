package bts

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// DefaultChunkSize is the number of rows requested per download command
const DefaultChunkSize = 1000

// Dialer opens the TCP connection to the BTS server. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Channel is one entry of the server's device map
type Channel struct {
	IP          string `json:"ip"`
	DevType     int64  `json:"devtype"`
	DeviceID    int64  `json:"devid"`
	SubDeviceID int64  `json:"subdevid"`
	ChannelID   int64  `json:"chlid"`
}

// Key returns the "devid-subdevid-chlid" channel key
func (c Channel) Key() string {
	return domain.ChannelAddress{
		DeviceID:    int(c.DeviceID),
		SubDeviceID: int(c.SubDeviceID),
		Channel:     int(c.ChannelID),
	}.String()
}

// attrs renders the identity attributes sent with per-channel commands
func (c Channel) attrs() string {
	return fmt.Sprintf(`ip="%s" devtype="%d" devid="%d" subdevid="%d" chlid="%d"`,
		xmlEscape(c.IP), c.DevType, c.DeviceID, c.SubDeviceID, c.ChannelID)
}

// row returns the channel identity as reply attributes, used to correct
// per-channel replies
func (c Channel) row() Row {
	return Row{
		"ip":        c.IP,
		"devtype":   c.DevType,
		"devid":     c.DeviceID,
		"subdevid":  c.SubDeviceID,
		"chlid":     c.ChannelID,
		"Channelid": c.ChannelID,
	}
}

// Credentials are sent with the connect command
type Credentials struct {
	Username string
	Password string
	Type     string
}

// DefaultCredentials are the factory login of a BTS server
var DefaultCredentials = Credentials{Username: "admin", Password: "neware", Type: "bfgs"}

// Client speaks the BTS protocol over one connection. Commands are
// serialised; the connection is supplied by the caller and closed by Close
// or when a command's context is cancelled.
type Client struct {
	addr      string
	conn      net.Conn
	rd        *bufio.Reader
	limiter   *rate.Limiter
	chunkSize int
	creds     Credentials
	chunks    metric.Int64Counter
	logger    *slog.Logger

	mu       sync.Mutex
	closed   bool
	channels map[string]Channel
}

// Option configures a Client
type Option func(*Client)

// WithLimiter paces download chunk requests
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithChunkSize sets the rows requested per download command
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithCredentials overrides the connect login
func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithChunkCounter counts downloaded chunks on c
func WithChunkCounter(c metric.Int64Counter) Option {
	return func(cl *Client) { cl.chunks = c }
}

// WithLogger sets the client logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps an established connection. Call Connect before issuing
// channel commands.
func NewClient(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, conn.RemoteAddr().String(), opts...)
}

func newClient(conn net.Conn, addr string, opts ...Option) *Client {
	c := &Client{
		addr:      addr,
		conn:      conn,
		rd:        bufio.NewReaderSize(conn, 64*1024),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		chunkSize: DefaultChunkSize,
		creds:     DefaultCredentials,
		logger:    slog.Default(),
		channels:  make(map[string]Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "bts_client"), slog.String("server", c.addr))
	return c
}

// Dial connects to addr, logs in and loads the channel map
func Dial(ctx context.Context, d Dialer, addr string, opts ...Option) (*Client, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errors.CancelledError{Source: addr, Cause: ctx.Err()}
		}
		return nil, &errors.SourceUnavailableError{Source: addr, Cause: err}
	}

	c := newClient(conn, addr, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Addr returns the server address
func (c *Client) Addr() string {
	return c.addr
}

// Close releases the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Command sends one framed command and returns the reply without its
// terminator. The context deadline applies to the whole round trip; on
// cancellation the connection is closed and CancelledError returned.
func (c *Client) Command(ctx context.Context, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", &errors.SourceUnavailableError{Source: c.addr, Cause: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return "", &errors.CancelledError{Source: c.addr, Cause: err}
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", c.fail(ctx, err)
	}

	// Unblock the read/write below when ctx ends before the deadline
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	start := time.Now()
	if _, err := c.conn.Write(frame(body)); err != nil {
		return "", c.fail(ctx, err)
	}
	reply, err := readFrame(c.rd)
	if err != nil {
		return "", c.fail(ctx, err)
	}

	c.logger.DebugContext(ctx, "command completed",
		slog.String("cmd", replyCommand(body)),
		slog.Int("reply_bytes", len(reply)),
		slog.Duration("duration", time.Since(start)),
	)
	return reply, nil
}

// fail classifies a transport error and closes the connection. A half-read
// reply leaves the stream unsynchronised, so the client cannot continue.
func (c *Client) fail(ctx context.Context, err error) error {
	c.closeLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &errors.CancelledError{Source: c.addr, Cause: ctxErr}
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		// the conn deadline can fire just before ctx notices its own
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return &errors.CancelledError{Source: c.addr, Cause: context.DeadlineExceeded}
		}
		c.logger.WarnContext(ctx, "command timed out", slog.String("error", err.Error()))
	}
	return &errors.SourceUnavailableError{Source: c.addr, Cause: err}
}

// Connect logs in and refreshes the channel map
func (c *Client) Connect(ctx context.Context) error {
	body := fmt.Sprintf("<cmd>connect</cmd><username>%s</username><password>%s</password><type>%s</type>",
		xmlEscape(c.creds.Username), xmlEscape(c.creds.Password), xmlEscape(c.creds.Type))
	reply, err := c.Command(ctx, body)
	if err != nil {
		return err
	}
	if cmd := replyCommand(reply); cmd != "" && cmd != "connect" {
		return &errors.SourceUnavailableError{Source: c.addr, Cause: fmt.Errorf("unexpected reply %q to connect", cmd)}
	}
	if strings.Contains(strings.ToLower(reply), "<result>fail") {
		return &errors.SourceUnavailableError{Source: c.addr, Cause: fmt.Errorf("login rejected for %q", c.creds.Username)}
	}

	c.logger.InfoContext(ctx, "connected")
	return c.RefreshChannelMap(ctx)
}

// DeviceInfo lists every channel the server knows
func (c *Client) DeviceInfo(ctx context.Context) ([]Channel, error) {
	reply, err := c.Command(ctx, "<cmd>getdevinfo</cmd>")
	if err != nil {
		return nil, err
	}
	rows, err := parseRows(reply, "middle")
	if err != nil {
		return nil, fmt.Errorf("bts %s: getdevinfo: %w", c.addr, err)
	}

	chans := make([]Channel, 0, len(rows))
	for i, r := range rows {
		ch, err := channelFromRow(r)
		if err != nil {
			return nil, fmt.Errorf("bts %s: getdevinfo entry %d: %w", c.addr, i, err)
		}
		chans = append(chans, ch)
	}
	return chans, nil
}

func channelFromRow(r Row) (Channel, error) {
	var ch Channel
	var ok bool
	ch.IP, _ = r.String("ip")
	ch.DevType, _ = r.Int("devtype")
	if ch.DeviceID, ok = r.Int("devid"); !ok {
		return ch, fmt.Errorf("missing devid")
	}
	if ch.SubDeviceID, ok = r.Int("subdevid"); !ok {
		return ch, fmt.Errorf("missing subdevid")
	}
	if ch.ChannelID, ok = r.Int("Channelid"); !ok {
		if ch.ChannelID, ok = r.Int("chlid"); !ok {
			return ch, fmt.Errorf("missing channel id")
		}
	}
	return ch, nil
}

// RefreshChannelMap reloads the channel map from getdevinfo
func (c *Client) RefreshChannelMap(ctx context.Context) error {
	chans, err := c.DeviceInfo(ctx)
	if err != nil {
		return err
	}

	m := make(map[string]Channel, len(chans))
	for _, ch := range chans {
		m[ch.Key()] = ch
	}

	c.mu.Lock()
	c.channels = m
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "channel map loaded", slog.Int("channels", len(m)))
	return nil
}

// Channels returns the channel map keyed "devid-subdevid-chlid"
func (c *Client) Channels() map[string]Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Channel, len(c.channels))
	for k, v := range c.channels {
		out[k] = v
	}
	return out
}

// ChannelKeys returns the channel map keys in sorted order
func (c *Client) ChannelKeys() []string {
	m := c.Channels()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Channel resolves a channel key through the map
func (c *Client) Channel(key string) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[key]
	return ch, ok
}

// resolve returns the channels for keys, or every channel when keys is empty
func (c *Client) resolve(keys []string) ([]string, []Channel, error) {
	if len(keys) == 0 {
		keys = c.ChannelKeys()
	}
	chans := make([]Channel, 0, len(keys))
	for _, k := range keys {
		ch, ok := c.Channel(k)
		if !ok {
			return nil, nil, fmt.Errorf("bts %s: channel %s not in channel map", c.addr, k)
		}
		chans = append(chans, ch)
	}
	return keys, chans, nil
}

// Status returns getchlstatus for channels (all when none given)
func (c *Client) Status(ctx context.Context, keys ...string) (map[string]Row, error) {
	return c.perChannel(ctx, "getchlstatus", "status", "", keys)
}

// Inquire returns the latest reading of channels (all when none given):
// cycle, step, work status, current, voltage and times.
func (c *Client) Inquire(ctx context.Context, keys ...string) (map[string]Row, error) {
	return c.perChannel(ctx, "inquire", "inquire", ` aux="0" barcode="1"`, keys)
}

// perChannel issues a list command with one element per channel. The
// server echoes a wrong subdevid in replies, so each reply row is overlaid
// with the identity from the channel map.
func (c *Client) perChannel(ctx context.Context, cmd, elem, extra string, keys []string) (map[string]Row, error) {
	keys, chans, err := c.resolve(keys)
	if err != nil {
		return nil, err
	}

	var body strings.Builder
	fmt.Fprintf(&body, `<cmd>%s</cmd><list count="%d">`, cmd, len(chans))
	for _, ch := range chans {
		fmt.Fprintf(&body, `<%s %s%s>true</%s>`, elem, ch.attrs(), extra, elem)
	}
	body.WriteString("</list>")

	reply, err := c.Command(ctx, body.String())
	if err != nil {
		return nil, err
	}
	rows, err := parseRows(reply, "list")
	if err != nil {
		return nil, fmt.Errorf("bts %s: %s: %w", c.addr, cmd, err)
	}
	if len(rows) != len(chans) {
		return nil, fmt.Errorf("bts %s: %s: %d rows for %d channels", c.addr, cmd, len(rows), len(chans))
	}

	out := make(map[string]Row, len(chans))
	for i, ch := range chans {
		out[keys[i]] = rows[i].merge(ch.row())
	}
	return out, nil
}

// Download fetches one chunk of recorded rows for a channel, starting at
// the 1-based row startPos. testID 0 selects the channel's current test.
func (c *Client) Download(ctx context.Context, key string, testID uint64, startPos, count int) ([]Row, error) {
	ch, ok := c.Channel(key)
	if !ok {
		return nil, fmt.Errorf("bts %s: channel %s not in channel map", c.addr, key)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &errors.CancelledError{Source: c.addr, Cause: err}
	}

	body := fmt.Sprintf(`<cmd>download</cmd><download devtype="%d" devid="%d" subdevid="%d" chlid="%d" auxid="0" testid="%d" startpos="%d" count="%d"/>`,
		ch.DevType, ch.DeviceID, ch.SubDeviceID, ch.ChannelID, testID, startPos, count)
	reply, err := c.Command(ctx, body)
	if err != nil {
		return nil, err
	}
	rows, err := parseRows(reply, "list")
	if err != nil {
		return nil, fmt.Errorf("bts %s: download %s from %d: %w", c.addr, key, startPos, err)
	}
	if c.chunks != nil {
		c.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "bts")))
	}
	return rows, nil
}

// ChunkSize returns the rows requested per download command
func (c *Client) ChunkSize() int {
	return c.chunkSize
}

var xmlReplacer = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;", `'`, "&apos;")

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

package gotremolo

import "time"

// Options holds every tunable recognized by the connection engine (spec
// §6). It is the typed replacement for the source's free-form kwargs
// dict, per the design note in spec §9 ("An implementer should expose a
// typed context with these fields as the handler contract").
type Options struct {
	ClientMaxBodySize   int64
	ClientMaxHeaderSize int
	WSMaxPayloadSize    int64
	BufferSize          int

	DownloadRate int // bytes/sec, 0 disables throttling
	UploadRate   int

	RequestTimeout     time.Duration
	KeepAliveTimeout   time.Duration
	AppHandlerTimeout  time.Duration
	AppCloseTimeout    time.Duration
	ShutdownTimeout    time.Duration

	Debug      bool
	RootPath   string
	ServerName string

	KeepAliveCapacity int // max idle connections held in the registry
}

// DefaultOptions matches the source's __main__.py defaults.
func DefaultOptions() Options {
	return Options{
		ClientMaxBodySize:   2 << 20,
		ClientMaxHeaderSize: 8192,
		WSMaxPayloadSize:    2 << 20,
		BufferSize:          16 << 10,

		DownloadRate: 1 << 20,
		UploadRate:   1 << 20,

		RequestTimeout:    30 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		AppHandlerTimeout: 120 * time.Second,
		AppCloseTimeout:   30 * time.Second,
		ShutdownTimeout:   30 * time.Second,

		RootPath:   "",
		ServerName: "gotremolo",

		KeepAliveCapacity: 4096,
	}
}

// Option mutates Options; NewServer applies a DefaultOptions() value
// through a list of these, the idiomatic Go stand-in for **kwargs.
type Option func(*Options)

func WithClientMaxBodySize(n int64) Option { return func(o *Options) { o.ClientMaxBodySize = n } }
func WithBufferSize(n int) Option          { return func(o *Options) { o.BufferSize = n } }
func WithDownloadRate(n int) Option        { return func(o *Options) { o.DownloadRate = n } }
func WithUploadRate(n int) Option          { return func(o *Options) { o.UploadRate = n } }
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(o *Options) { o.KeepAliveTimeout = d }
}
func WithAppHandlerTimeout(d time.Duration) Option {
	return func(o *Options) { o.AppHandlerTimeout = d }
}
func WithDebug(v bool) Option           { return func(o *Options) { o.Debug = v } }
func WithRootPath(s string) Option      { return func(o *Options) { o.RootPath = s } }
func WithServerName(s string) Option    { return func(o *Options) { o.ServerName = s } }

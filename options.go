package redis

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Protocol selects the RESP wire version negotiated at connect time.
type Protocol int

const (
	// ProtoRESP2 is the default, universally supported protocol.
	ProtoRESP2 Protocol = iota
	// ProtoRESP3 opts into HELLO 3 negotiation, enabling push frames,
	// map/set/double/boolean reply types, and client-side caching.
	ProtoRESP3
)

const defaultPipelineDepth = 100

// Options configures a Client or Cluster. Only fields relevant to the
// core client are modeled; TLS and config-file parsing are out of
// scope.
type Options struct {
	// Host, Port and URI are not consulted when dialing: DialConn,
	// NewClient and NewCluster dial the address passed to them. When
	// URI is set, validate parses it with ParseURI and overwrites Host,
	// Port and Database from it, and Auth when it carries a password.
	Host string
	Port string
	URI  string

	// Auth is the password issued via AUTH post-connect.
	Auth string
	// Database is issued as SELECT post-connect when nonzero.
	Database int
	// ClientName is issued via CLIENT SETNAME (RESP2) or folded into
	// HELLO's SETNAME clause (RESP3) post-connect, when nonempty.
	ClientName string

	// Protocol selects RESP2 (default) or RESP3.
	Protocol Protocol
	// HashRefs is checked only at startup: setting it without RESP3 is
	// a startup error. It does not change decoding; a RESP3 connection
	// returns Map-typed replies whether or not it is set, and a RESP2
	// connection returns flat arrays.
	HashRefs bool

	// PipelineDepth bounds in-flight commands per connection. Zero
	// defaults to 100.
	PipelineDepth int
	// ConnectTimeout bounds the initial TCP dial. Zero defaults to
	// one second.
	ConnectTimeout time.Duration
	// StreamReadLen sizes the connection's read scratch buffer. Zero
	// defaults to 4096 bytes.
	StreamReadLen int

	// ClientSideCacheSize, if positive, enables RESP3 client-side
	// tracking with an LRU of this capacity. Requires Protocol ==
	// ProtoRESP3.
	ClientSideCacheSize int

	// OnDisconnect, if set, fires once when the connection is torn
	// down, carrying the error that caused it (ErrClosed for a caller-
	// initiated Close).
	OnDisconnect func(error)

	// Logger receives lifecycle events; nil defaults to a discarding
	// logrus logger.
	Logger Logger
	// Registerer, if non-nil, enables Prometheus metrics under the
	// given namespace.
	Registerer       prometheus.Registerer
	MetricsNamespace string

	metricsOnce sync.Once
	metricsInst *metrics
}

// sharedMetrics lazily builds (once) and returns the Prometheus
// collector set for this Options value. DialConn and NewCluster both
// call through here rather than newMetrics directly, so every
// connection dialed from the same Options — including every per-node
// connection a Cluster opens — shares one registration instead of
// panicking on a duplicate metric name.
func (o *Options) sharedMetrics() *metrics {
	o.metricsOnce.Do(func() {
		o.metricsInst = newMetrics(o.Registerer, o.MetricsNamespace)
	})
	return o.metricsInst
}

// validate applies the client's startup-error checks and fills in
// defaults.
func (o *Options) validate() error {
	if o.PipelineDepth == 0 {
		o.PipelineDepth = defaultPipelineDepth
	}
	if o.PipelineDepth < 0 {
		return newError(KindProtocol, errInvalidOption("pipeline_depth must be positive"))
	}
	if o.HashRefs && o.Protocol != ProtoRESP3 {
		return newError(KindProtocol, errInvalidOption("hashrefs requires protocol=resp3"))
	}
	if o.ClientSideCacheSize > 0 && o.Protocol != ProtoRESP3 {
		return newError(KindProtocol, errInvalidOption("client_side_cache_size requires protocol=resp3"))
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	if o.URI != "" {
		parsed, err := ParseURI(o.URI)
		if err != nil {
			return err
		}
		o.Host, o.Port, o.Database = parsed.Host, parsed.Port, parsed.Database
		if parsed.Password != "" {
			o.Auth = parsed.Password
		}
	}
	return nil
}

type invalidOptionError string

func (e invalidOptionError) Error() string { return "redis: " + string(e) }

func errInvalidOption(msg string) error { return invalidOptionError(msg) }

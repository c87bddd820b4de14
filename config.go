package kcoord

import (
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec is the recognized compression_codec configuration
// option. The coordinator does not compress anything itself, but it
// owns and validates this option on behalf of the (out-of-scope)
// produce router that will eventually read it.
type CompressionCodec uint8

const (
	CompressionNone CompressionCodec = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

// validate constructs (and immediately discards) an encoder for the
// codec to fail fast at configuration time. Snappy has no
// actively-maintained encoder in this module's dependency set, so it
// is accepted as a recognized enum value without constructing anything.
func (cc CompressionCodec) validate() error {
	switch cc {
	case CompressionNone, CompressionSnappy:
		return nil
	case CompressionGzip:
		w := gzip.NewWriter(io.Discard)
		return w.Close()
	case CompressionLZ4:
		w := lz4.NewWriter(io.Discard)
		return w.Close()
	case CompressionZstd:
		w, err := zstd.NewWriter(io.Discard)
		if err != nil {
			return err
		}
		return w.Close()
	default:
		return fmt.Errorf("kcoord: unknown compression codec %d", cc)
	}
}

// cfg holds every recognized configuration option. Unexported: callers
// build it only through Opt values.
type cfg struct {
	seedsRaw string

	clientID          string
	requiredAcks      int
	requestTimeout    time.Duration
	compressionCodec  CompressionCodec
	fetchMinBytes     int32
	fetchMaxWait      time.Duration
	sendBufferSize    int
	receiveBufferSize int
	refreshInterval   time.Duration

	logger      Logger
	nodeFactory NodeFactory

	produceRouter ProduceRouter
	consumeRouter ConsumeRouter

	routingTableSubs  []func(*RoutingTable)
	internalErrorSubs []func(error)
}

func defaultCfg() cfg {
	return cfg{
		clientID:          "kcoord",
		requiredAcks:      1,
		requestTimeout:    30 * time.Second,
		compressionCodec:  CompressionNone,
		fetchMinBytes:     1,
		fetchMaxWait:      500 * time.Millisecond,
		sendBufferSize:    32 * 1024,
		receiveBufferSize: 32 * 1024,
		refreshInterval:   defaultRefreshInterval,
		logger:            nopLogger{},
	}
}

// Opt configures a Coordinator at construction time.
type Opt interface{ apply(*cfg) }

type opt func(*cfg)

func (o opt) apply(c *cfg) { o(c) }

// Seeds sets the comma-separated host:port bootstrap list.
func Seeds(s string) Opt { return opt(func(c *cfg) { c.seedsRaw = s }) }

// ClientID sets the client id sent on every request.
func ClientID(id string) Opt { return opt(func(c *cfg) { c.clientID = id }) }

// RequiredAcks sets the produce required-acks option.
func RequiredAcks(n int) Opt { return opt(func(c *cfg) { c.requiredAcks = n }) }

// RequestTimeout bounds every RPC a Node issues.
func RequestTimeout(d time.Duration) Opt { return opt(func(c *cfg) { c.requestTimeout = d }) }

// WithCompressionCodec sets the recognized compression_codec option.
func WithCompressionCodec(cc CompressionCodec) Opt {
	return opt(func(c *cfg) { c.compressionCodec = cc })
}

// FetchMinBytes sets the consume fetch_min_bytes option.
func FetchMinBytes(n int32) Opt { return opt(func(c *cfg) { c.fetchMinBytes = n }) }

// FetchMaxWait sets the consume fetch_max_wait_ms option.
func FetchMaxWait(d time.Duration) Opt { return opt(func(c *cfg) { c.fetchMaxWait = d }) }

// SendBufferSize sets the node's send_buffer_size option.
func SendBufferSize(n int) Opt { return opt(func(c *cfg) { c.sendBufferSize = n }) }

// ReceiveBufferSize sets the node's receive_buffer_size option.
func ReceiveBufferSize(n int) Opt { return opt(func(c *cfg) { c.receiveBufferSize = n }) }

// RefreshInterval overrides the default ten-minute metadata refresh
// period.
func RefreshInterval(d time.Duration) Opt { return opt(func(c *cfg) { c.refreshInterval = d }) }

// WithLogger installs a Logger. Default is a no-op sink.
func WithLogger(l Logger) Opt { return opt(func(c *cfg) { c.logger = l }) }

// WithNodeFactory overrides how nodes are created; intended chiefly
// for tests, which supply a scriptable fake Node.
func WithNodeFactory(f NodeFactory) Opt { return opt(func(c *cfg) { c.nodeFactory = f }) }

// WithProduceRouter installs the produce router that receives
// ChangeRoutingTable/Acknowledge calls.
func WithProduceRouter(r ProduceRouter) Opt { return opt(func(c *cfg) { c.produceRouter = r }) }

// WithConsumeRouter installs the consume router.
func WithConsumeRouter(r ConsumeRouter) Opt { return opt(func(c *cfg) { c.consumeRouter = r }) }

// OnRoutingTableChange registers a subscriber for the RoutingTableChange
// broadcast. Subscribers are a slice registered at construction,
// delivered synchronously on the agent goroutine.
func OnRoutingTableChange(f func(*RoutingTable)) Opt {
	return opt(func(c *cfg) { c.routingTableSubs = append(c.routingTableSubs, f) })
}

// OnInternalError registers a subscriber for the InternalError
// broadcast.
func OnInternalError(f func(error)) Opt {
	return opt(func(c *cfg) { c.internalErrorSubs = append(c.internalErrorSubs, f) })
}

// parseSeeds parses a comma-separated host:port list, skipping empty
// tokens. A malformed token or, after parsing, an empty result is a
// fatal, synchronous configuration error naming the offending seed
// string.
func parseSeeds(raw string) ([]BrokerMeta, error) {
	var metas []BrokerMeta
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(tok)
		if err != nil {
			return nil, &errInvalidSeed{raw: tok}
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, &errInvalidSeed{raw: tok}
		}
		metas = append(metas, BrokerMeta{ID: unknownBrokerID, Host: host, Port: uint16(port)})
	}
	if len(metas) == 0 {
		return nil, &errInvalidSeed{raw: raw}
	}
	return metas, nil
}

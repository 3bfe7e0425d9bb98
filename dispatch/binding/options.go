package binding

import (
	"time"

	"github.com/op/go-logging"

	"krypt.co/dispatch/common/config"
	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/dispatch/envelope"
)

type Options struct {
	Codec          protocol.FrameCodec
	Pool           *envelope.Pool
	MaxOutstanding int
	DiscardedIDs   int
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	ReconnectDelay time.Duration
	Log            *logging.Logger
}

func OptionsFromConfig(conf config.Config, pool *envelope.Pool, log *logging.Logger) (opts Options, err error) {
	codec, err := protocol.FrameCodecByName(conf.FrameCodec)
	if err != nil {
		return
	}
	opts = Options{
		Codec:          codec,
		Pool:           pool,
		MaxOutstanding: conf.MaxOutstanding,
		DiscardedIDs:   conf.DiscardedIDs,
		ConnectTimeout: conf.Timeouts.Connect,
		CloseTimeout:   conf.Timeouts.Close,
		ReconnectDelay: conf.Timeouts.Reconnect,
		Log:            log,
	}
	return
}

func (o Options) withDefaults() Options {
	def := config.DefaultConfig()
	if o.Codec == nil {
		o.Codec = protocol.MustFrameCodec(def.FrameCodec)
	}
	if o.Pool == nil {
		o.Pool = envelope.NewPool()
	}
	if o.MaxOutstanding <= 0 {
		o.MaxOutstanding = def.MaxOutstanding
	}
	if o.DiscardedIDs <= 0 {
		o.DiscardedIDs = def.DiscardedIDs
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.Timeouts.Connect
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = def.Timeouts.Close
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.Timeouts.Reconnect
	}
	if o.Log == nil {
		o.Log = logging.MustGetLogger("binding")
	}
	return o
}

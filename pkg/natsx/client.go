package natsx

import (
	"log/slog"
	"time"

	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/nats-io/nats.go"
)

// DefaultReconnectWait is the pause between connection attempts after the
// server goes away.
const DefaultReconnectWait = 2 * time.Second

// Connect opens a connection to the NATS server at url for a switchboard node.
//
// The connection never gives up reconnecting, has echo disabled so a node
// does not receive its own publishes, and reports connection state changes
// through slog. Extra options are applied after the defaults.
func Connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	lg := slog.Default().With(slogx.LoggerName("switchboard.nats"))
	defaults := []nats.Option{
		nats.Name(name),
		nats.NoEcho(),
		nats.Compression(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(DefaultReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg.Warn("nats disconnected", slogx.Error(err))
				return
			}
			lg.Info("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info("nats reconnected", slog.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			lg.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			lg.Error("nats async error", slog.String("subject", subject), slogx.Error(err))
		}),
	}
	return nats.Connect(url, append(defaults, opts...)...)
}

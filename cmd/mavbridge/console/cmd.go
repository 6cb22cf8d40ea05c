// Interactive pub/sub client: lines typed are decoded like inbound payloads
// and published to vehicle, outbound traffic is printed.
package console

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/mavbridge/cmd/mavbridge/subcmd"
	"github.com/temoto/mavbridge/helpers/cli"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/internal/pubsub"
	"github.com/temoto/mavbridge/log2"
	"github.com/temoto/mavbridge/mavlink"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "publish JSON lines to <path>/in, print <path>/out", Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log) error {
	if err := cfg.Normalize(); err != nil {
		return errors.Annotate(err, "config")
	}
	session, err := pubsub.Open(ctx, cfg.Session, log)
	if err != nil {
		return errors.Annotatef(err, "pubsub session %s", cfg.Session.String())
	}
	defer session.Close()

	out, err := session.Subscribe(ctx, cfg.TopicOut())
	if err != nil {
		return errors.Annotatef(err, "subscribe %s", cfg.TopicOut())
	}
	go printLoop(ctx, out, log)

	log.Infof("console topics out=%s in=%s", cfg.TopicOut(), cfg.TopicIn())
	return cli.MainLoop(ctx, modName, newExecutor(ctx, session, cfg.TopicIn(), log), cli.SuggestWords(mavlink.MessageNames()))
}

func newExecutor(ctx context.Context, session pubsub.Session, topic string, log *log2.Log) cli.Executor {
	return func(line string) {
		env, path, err := mavlink.DecodePath([]byte(line))
		if err != nil {
			log.Errorf("decode: %v", err)
			return
		}
		b, err := mavlink.Encode(env)
		if err != nil {
			log.Errorf("encode: %v", err)
			return
		}
		log.Infof("> %s (%s) %s", env.Name(), path, b)
		if err = session.Publish(ctx, topic, b); err != nil {
			log.Errorf("publish %s: %v", topic, err)
		}
	}
}

func printLoop(ctx context.Context, samples <-chan pubsub.Sample, log *log2.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			env, err := mavlink.Decode(s.Payload)
			if err != nil {
				log.Errorf("< %s undecodable: %v", s.Topic, err)
				continue
			}
			log.Infof("< %s sys=%d comp=%d seq=%d", env.Name(), env.Header.SystemID, env.Header.ComponentID, env.Header.Sequence)
		}
	}
}

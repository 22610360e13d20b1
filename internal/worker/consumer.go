package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"
)

// Channel is the NSQ channel every backend process subscribes with, so a nudge
// reaches exactly one instance of a stage.
const Channel = "backend"

// ConsumerService runs one NSQ subscription under a supervisor. Connect is
// called on every (re)start; it receives the fresh consumer.
type ConsumerService struct {
	topic   string
	handler nsq.Handler
	connect func(*nsq.Consumer) error
	cfg     *nsq.Config
}

// NewLookupdConsumer subscribes topic through nsqlookupd.
func NewLookupdConsumer(topic string, handler nsq.Handler, lookupd string) *ConsumerService {
	return &ConsumerService{
		topic:   topic,
		handler: handler,
		connect: func(c *nsq.Consumer) error { return c.ConnectToNSQLookupd(lookupd) },
		cfg:     nsq.NewConfig(),
	}
}

// NewDirectConsumer subscribes topic on a single nsqd.
func NewDirectConsumer(topic string, handler nsq.Handler, nsqd string) *ConsumerService {
	return &ConsumerService{
		topic:   topic,
		handler: handler,
		connect: func(c *nsq.Consumer) error { return c.ConnectToNSQD(nsqd) },
		cfg:     nsq.NewConfig(),
	}
}

func (s *ConsumerService) Serve(ctx context.Context) error {
	consumer, err := nsq.NewConsumer(s.topic, Channel, s.cfg)
	if err != nil {
		return fmt.Errorf("nsq consumer for %s: %w", s.topic, err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(s.handler)

	if err := s.connect(consumer); err != nil {
		consumer.Stop()
		return fmt.Errorf("connect consumer for %s: %w", s.topic, err)
	}
	slog.Info("nsq consumer connected", "topic", s.topic, "channel", Channel)

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return ctx.Err()
}

func (s *ConsumerService) String() string { return "nsq-consumer:" + s.topic }

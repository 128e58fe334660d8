package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultPositionTopic = "agents/+/position"

// MQTTClient is the subset of the paho client the subscriber uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTConfig selects the topic filter and QoS.
type MQTTConfig struct {
	Topic string
	QoS   byte
}

// Subscriber feeds position reports published on agents/<id>/position.
type Subscriber struct {
	client MQTTClient
	sink   PositionSink
	logger *zap.Logger
	cfg    MQTTConfig
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(client MQTTClient, sink PositionSink, logger *zap.Logger, cfg MQTTConfig) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = defaultPositionTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, sink: sink, logger: logger.Named("location.mqtt"), cfg: cfg}
}

// Run subscribes and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.Handle(ctx, msg)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("subscribed", zap.String("topic", s.cfg.Topic))
	<-ctx.Done()
	token = s.client.Unsubscribe(s.cfg.Topic)
	token.Wait()
	return token.Error()
}

// Handle applies one message. The agent id comes from the topic when the
// payload omits it.
func (s *Subscriber) Handle(ctx context.Context, msg mqtt.Message) {
	var report AgentPosition
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		reportsTotal.WithLabelValues("mqtt", "rejected").Inc()
		s.logger.Warn("invalid position payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if id := agentFromTopic(msg.Topic()); id != "" {
		report.AgentId = id
	}
	if err := apply(ctx, s.sink, "mqtt", report); err != nil {
		level := s.logger.Warn
		if errors.Is(err, errRejected) {
			level = s.logger.Debug
		}
		level("position report dropped", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

func agentFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "agents" && parts[2] == "position" {
		return parts[1]
	}
	return ""
}

// Dial connects a paho client to broker.
func Dial(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

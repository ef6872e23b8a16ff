// Package publish republishes device snapshots and error events to an MQTT broker
// and forwards command topics to device registers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/robertof/go-renogy-exporter/device"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPrefix = "renogy"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
)

var ErrInvalidCommand = errors.New("invalid command payload")

type Config struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

// Commander is the part of a device commands are forwarded to.
type Commander interface {
	WriteRegister(ctx context.Context, register, value uint16) error
}

type Publisher struct {
	client mqtt.Client
	cfg    Config
}

func Connect(cfg Config) (*Publisher, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "renogy-exporter"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("Broker", cfg.Broker).Msg("Connected to MQTT broker")
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("Broker", cfg.Broker).Msg("Lost connection to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &Publisher{client: client, cfg: cfg}, nil
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func StateTopic(prefix, key string) string {
	return prefix + "/" + key + "/state"
}

func ErrorTopic(prefix, key string) string {
	return prefix + "/" + key + "/error"
}

func CommandTopic(prefix, key, command string) string {
	return prefix + "/" + key + "/" + command + "/set"
}

type statePayload struct {
	Alias  string        `json:"alias"`
	Time   time.Time     `json:"time"`
	Fields device.Fields `json:"fields"`
}

type errorPayload struct {
	Kind    device.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Time    time.Time        `json:"time"`
}

func SnapshotPayload(s *device.Snapshot) ([]byte, error) {
	return json.Marshal(statePayload{
		Alias:  s.Alias,
		Time:   s.Time,
		Fields: s.Fields,
	})
}

func ErrorPayload(e *device.PollError) ([]byte, error) {
	return json.Marshal(errorPayload{
		Kind:    e.Kind,
		Message: e.Message,
		Time:    e.Time,
	})
}

// ParseSwitch accepts on/off style payloads and returns the register value.
func ParseSwitch(payload []byte) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "1", "true":
		return 1, nil
	case "off", "0", "false":
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCommand, payload)
	}
}

func (p *Publisher) publish(topic string, payload []byte) error {
	t := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)

	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}

	return t.Error()
}

func (p *Publisher) HandleSnapshot(key string, dev *device.Device, snap *device.Snapshot) {
	payload, err := SnapshotPayload(snap)

	if err == nil {
		err = p.publish(StateTopic(p.cfg.Prefix, key), payload)
	}

	if err != nil {
		log.Error().Err(err).Str("Key", key).Msg("Failed to publish snapshot")
	}
}

func (p *Publisher) HandleError(key string, dev *device.Device, e *device.PollError) {
	payload, err := ErrorPayload(e)

	if err == nil {
		err = p.publish(ErrorTopic(p.cfg.Prefix, key), payload)
	}

	if err != nil {
		log.Error().Err(err).Str("Key", key).Msg("Failed to publish error event")
	}
}

// SubscribeCommands forwards "<prefix>/<key>/<command>/set" messages to the
// register each command maps to.
func (p *Publisher) SubscribeCommands(ctx context.Context, key string, dev Commander, commands map[string]uint16) error {
	for name, register := range commands {
		topic := CommandTopic(p.cfg.Prefix, key, name)
		t := p.client.Subscribe(topic, p.cfg.QoS, commandHandler(ctx, key, register, dev))

		if !t.WaitTimeout(publishTimeout) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}

		if err := t.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		log.Debug().Str("Topic", topic).Uint16("Register", register).Msg("publish: subscribed to command topic")
	}

	return nil
}

func commandHandler(ctx context.Context, key string, register uint16, dev Commander) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		value, err := ParseSwitch(msg.Payload())

		if err != nil {
			log.Warn().Err(err).Str("Topic", msg.Topic()).Msg("Ignoring command")
			return
		}

		log.Info().
			Str("Key", key).
			Str("Topic", msg.Topic()).
			Uint16("Register", register).
			Uint16("Value", value).
			Msg("Received command")

		// the paho client must not be blocked by a handler.
		go func() {
			wctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()

			if err := dev.WriteRegister(wctx, register, value); err != nil {
				log.Error().Err(err).Str("Key", key).Msg("Failed to execute command")
			}
		}()
	}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/relabs-tech/accel_producer/internal/imu"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

const (
	publishTimeout  = time.Second
	scaleCmdTimeout = time.Second
)

var errPublishTimeout = errors.New("mqtt publish timed out")

// mqttClient is the part of mqtt.Client the producer uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// ScaleSetter changes the accelerometer full-scale range.
type ScaleSetter interface {
	SetScale(ctx context.Context, s sensors.AccelScale) error
	Scale() sensors.AccelScale
}

// connectMQTT connects to the broker and waits for the handshake.
func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// mqttSink publishes every sample as JSON (QoS 0, not retained).
type mqttSink struct {
	client mqttClient
	topic  string
}

func newMQTTSink(client mqttClient, topic string) *mqttSink {
	return &mqttSink{client: client, topic: topic}
}

func (m *mqttSink) Name() string { return "mqtt" }

func (m *mqttSink) Handle(s imu.AccelSample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

// parseScaleCommand accepts "8" or {"range_g":8}.
func parseScaleCommand(payload []byte) (sensors.AccelScale, error) {
	payload = bytes.TrimSpace(payload)
	var rangeG int
	if bytes.HasPrefix(payload, []byte("{")) {
		var cmd struct {
			RangeG *int `json:"range_g"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return 0, fmt.Errorf("scale command: %w", err)
		}
		if cmd.RangeG == nil {
			return 0, errors.New("scale command: missing range_g")
		}
		rangeG = *cmd.RangeG
	} else {
		var err error
		if rangeG, err = cast.ToIntE(string(payload)); err != nil {
			return 0, fmt.Errorf("scale command %q: %w", payload, err)
		}
	}
	return sensors.AccelScaleFromRange(rangeG)
}

func applyScaleCommand(ctx context.Context, dev ScaleSetter, payload []byte) (sensors.AccelScale, error) {
	s, err := parseScaleCommand(payload)
	if err != nil {
		return 0, err
	}
	return s, dev.SetScale(ctx, s)
}

// subscribeScaleCommands routes messages on topic to dev.SetScale.
func subscribeScaleCommands(ctx context.Context, client mqttClient, topic string, dev ScaleSetter, log *zap.SugaredLogger) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		cctx, cancel := context.WithTimeout(ctx, scaleCmdTimeout)
		defer cancel()
		s, err := applyScaleCommand(cctx, dev, msg.Payload())
		if err != nil {
			log.Warnf("mqtt: scale command %q: %v", msg.Payload(), err)
			return
		}
		log.Infof("mqtt: scale set to %s by %s", s, msg.Topic())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Infof("mqtt: subscribed to %s", topic)
	return nil
}

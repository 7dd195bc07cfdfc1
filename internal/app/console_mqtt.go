// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/accel_producer/internal/config"
	"github.com/relabs-tech/accel_producer/internal/imu"
)

// RunConsoleMQTT prints every sample published on the accel topic until ctx
// is done.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer, log *zap.SugaredLogger) error {
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	log.Infof("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	token := client.Subscribe(cfg.TopicAccel, 0, consoleHandler(out, log))
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Infof("console: subscribed to %s", cfg.TopicAccel)

	<-ctx.Done()
	log.Info("console: shutting down")
	return nil
}

func consoleHandler(out io.Writer, log *zap.SugaredLogger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var s imu.AccelSample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Warnf("console: accel unmarshal error: %v", err)
			return
		}
		fmt.Fprintln(out, formatConsoleLine(s))
	}
}

func formatConsoleLine(s imu.AccelSample) string {
	line := fmt.Sprintf("[ACCEL] #%-6d %s  (%s)", s.Seq, s, s.Scale)
	if s.Magnitude != 0 {
		line += fmt.Sprintf("  |a|=%.3f", s.Magnitude)
	}
	return line
}

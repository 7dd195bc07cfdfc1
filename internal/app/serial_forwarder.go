// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"io"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

// openSerialPort opens a UART as 8N1.
func openSerialPort(portName string, baud int) (io.ReadWriteCloser, error) {
	serialOpts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(serialOpts)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return port, nil
}

// serialSink writes one $PACCL sentence per sample.
type serialSink struct {
	w io.Writer
}

func (s *serialSink) Name() string { return "serial" }

func (s *serialSink) Handle(sample imu.AccelSample) error {
	_, err := io.WriteString(s.w, formatSentence(sample))
	return err
}

// formatSentence renders $PACCL,<seq>,<x>,<y>,<z>,<range>*CS with CRLF.
func formatSentence(s imu.AccelSample) string {
	body := fmt.Sprintf("PACCL,%d,%.3f,%.3f,%.3f,%s",
		s.Seq, s.XG, s.YG, s.ZG, rangeLabel(s))
	return fmt.Sprintf("$%s*%s\r\n", body, nmea.Checksum(body))
}

// rangeLabel returns the full-scale range digits of the sample ("2" for ±2g).
func rangeLabel(s imu.AccelSample) string {
	return strings.Trim(s.Scale, "±g")
}

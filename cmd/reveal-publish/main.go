package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/veilmarkets/perp-coordinator/internal/revealfeed"
)

// reveal-publish pushes confirmed reveal events onto the coordinator's feed
// topic. It is an operational tool for replaying events and for local testing;
// payloads are validated before publishing so a typo cannot wedge a consumer
// group on a malformed message.

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("reveal-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	brokers := fs.String("kafka-brokers", "", "comma-separated kafka brokers; empty writes to stdout")
	topic := fs.String("kafka-topic", "perp.reveals", "reveal event topic")
	useTLS := fs.Bool("kafka-tls", false, "connect to kafka over TLS")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&payloadFiles, "payload-file", "payload file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--kafka-topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}

	publish, closeFn, err := newPublisher(strings.TrimSpace(*brokers), strings.TrimSpace(*topic), *useTLS, stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	ctx := context.Background()
	for _, p := range payloads {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		key, _, _, err := revealfeed.ParsePayload(p)
		if err != nil {
			return fmt.Errorf("validate payload: %w", err)
		}
		if err := publish(ctx, key.ID(), p); err != nil {
			return err
		}
	}
	return nil
}

type publishFunc func(ctx context.Context, poolID [32]byte, payload []byte) error

func newPublisher(brokers, topic string, useTLS bool, stdout io.Writer) (publishFunc, func() error, error) {
	if brokers == "" {
		publish := func(_ context.Context, _ [32]byte, payload []byte) error {
			_, err := fmt.Fprintf(stdout, "%s\n", bytes.TrimSpace(payload))
			return err
		}
		return publish, func() error { return nil }, nil
	}

	addrs := make([]string, 0, 4)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, nil, errors.New("--kafka-brokers must contain at least one broker")
	}

	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if useTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
	}
	publish := func(ctx context.Context, poolID [32]byte, payload []byte) error {
		// Key by pool so batch-relevant events for one pool stay ordered on
		// a single partition.
		return writer.WriteMessages(ctx, kafka.Message{Key: poolID[:], Value: payload})
	}
	return publish, writer.Close, nil
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return [][]byte{b}, nil
}

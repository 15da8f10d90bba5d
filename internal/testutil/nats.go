package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port
func RunServer() (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
	}

	return server.NewServer(opts)
}

// StartJetStream starts a NATS server with JetStream enabled and creates
// streams before returning, so tests can exercise components that expect
// the report or alert streams to already exist.
func StartJetStream(t *testing.T, streams ...*nats.StreamConfig) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := RunServer()
	require.NoError(t, err)
	err = s.EnableJetStream(&server.JetStreamConfig{
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}

	for _, stream := range streams {
		_, err := js.AddStream(stream)
		if err != nil {
			cleanup()
			t.Fatalf("Unable to create stream %s: %v", stream.Name, err)
		}
		require.NoError(t, WaitForStream(t, js, stream.Name, 5*time.Second))
	}

	return s, js, cleanup
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// ConsumeMessages replays every stored message on subject, collecting for duration
func ConsumeMessages(js nats.JetStreamContext, subject string, duration time.Duration) ([][]byte, error) {
	var messages [][]byte
	msgChan := make(chan *nats.Msg, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg
	}, nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case msg := <-msgChan:
			messages = append(messages, msg.Data)
		case <-timer.C:
			return messages, nil
		}
	}
}

// ConsumeJSON is ConsumeMessages with every payload decoded into T
func ConsumeJSON[T any](js nats.JetStreamContext, subject string, duration time.Duration) ([]T, error) {
	messages, err := ConsumeMessages(js, subject, duration)
	if err != nil {
		return nil, err
	}

	decoded := make([]T, 0, len(messages))
	for _, data := range messages {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode message on %s: %w", subject, err)
		}
		decoded = append(decoded, v)
	}
	return decoded, nil
}

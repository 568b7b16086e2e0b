//go:build cgo

package bridge

import (
	"context"
	"testing"
	"time"

	"edge-telemetry/backend/internal/broker"
	"edge-telemetry/backend/internal/broker/brokertest"
	"edge-telemetry/backend/internal/journal"
	"edge-telemetry/backend/internal/publish"
	"edge-telemetry/backend/internal/store/storetest"
	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, port int, clientID string, manualAck bool, register func(*mqtt.Client)) *mqtt.Client {
	t.Helper()

	c, err := mqtt.NewClient(discardLogger(), mqtt.ClientOptions{
		Host:              "127.0.0.1",
		Port:              port,
		ClientID:          clientID,
		Security:          mqtt.SecurityPlain{},
		ConnectTimeout:    2 * time.Second,
		PublishTimeout:    2 * time.Second,
		PersistentSession: manualAck,
		ManualAck:         manualAck,
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	if register != nil {
		register(c)
	}

	require.NoError(t, c.Connect(context.Background()))

	return c
}

func TestSensorToStoreThroughBroker(t *testing.T) {
	t.Parallel()

	b := brokertest.Start(t, broker.Options{})
	s := storetest.OpenSQLite(t)

	j, err := journal.New(discardLogger(), t.TempDir())
	require.NoError(t, err)

	consumer := NewConsumer(discardLogger(), s, j)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- consumer.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	connect(t, b.Port, "bridge", true, func(c *mqtt.Client) {
		require.NoError(t, consumer.Register(c))
	})

	sensorClient := connect(t, b.Port, "pi-01", false, nil)

	// a malformed payload must not stop the valid one behind it
	require.NoError(t, sensorClient.Publish(context.Background(), "sensors/pi-01/events", []byte("{not json")))

	pub := publish.New(discardLogger(), sensorClient, publish.DefaultTopic)
	event := telemetry.NewSensorEvent(
		"0190f5a2-7c1e-7000-8000-00000000beef",
		telemetry.KindMotionDetected,
		"pi-01",
		time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC),
		&telemetry.GeoInfo{City: "Portland", Region: "Oregon", Country: "US"},
		telemetry.NewReading("temperature", 21.4, "celsius"),
		telemetry.NewReading("pressure", 1013.2, "hPa"),
		telemetry.FailedReading("humidity", "Could not read humidity data"),
	)

	require.NoError(t, pub.Send(context.Background(), event))
	// redelivery of the same event
	require.NoError(t, pub.Send(context.Background(), event))

	require.Eventually(t, func() bool {
		n, err := s.Count(context.Background())

		return err == nil && n == 2
	}, 10*time.Second, 20*time.Millisecond)

	rows, err := s.Rows(context.Background(), "pi-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "pressure", rows[0].SensorType)
	assert.Equal(t, "temperature", rows[1].SensorType)
	assert.Equal(t, "us/oregon/portland", rows[0].LocationID)
	assert.True(t, rows[0].Time.Equal(event.Timestamp()))

	days, err := j.Days()
	require.NoError(t, err)
	assert.Empty(t, days, "nothing should be journaled while the store is healthy")
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fieldscout/gateway/devctx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var s = NewWithDB(db, "sqlite3")
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	var s = newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestRPCUnavailableUnderSQLite(t *testing.T) {
	var s = newTestStore(t)
	var rpc = s.NewRPC()

	var _, err = rpc.WakeIngestion(context.Background(), WakeIngestionRequest{})
	require.ErrorIs(t, err, ErrRPCUnavailable)
	_, err = rpc.CalculateNextWake(context.Background(), "0 */3 * * *", time.Now())
	require.ErrorIs(t, err, ErrRPCUnavailable)
}

func TestAuditSink(t *testing.T) {
	var s = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, s.LogMessage(ctx, devctx.MessageRecord{
		DeviceMAC: "AABBCCDDEEFF",
		Direction: "inbound",
		Topic:     "camera/AABBCCDDEEFF/status",
		Kind:      "hello",
		Payload:   []byte(`{"status":"alive"}`),
	}))
	require.NoError(t, s.LogAck(ctx, devctx.AckRecord{
		DeviceMAC: "AABBCCDDEEFF",
		AckType:   "command",
		Topic:     "camera/AABBCCDDEEFF/ack",
		Payload:   []byte(`{"result":"ok"}`),
		Success:   true,
	}))

	var messages, acks int
	require.NoError(t, s.db.Get(&messages, `SELECT COUNT(*) FROM device_message_log`))
	require.NoError(t, s.db.Get(&acks, `SELECT COUNT(*) FROM device_ack_log`))
	require.Equal(t, 1, messages)
	require.Equal(t, 1, acks)
}

func TestInsertTelemetry(t *testing.T) {
	var s = newTestStore(t)
	var temp = 70.79
	var rssi = -61

	require.NoError(t, s.InsertTelemetry(context.Background(), &TelemetryRow{
		DeviceID:     "dev-1",
		CapturedAt:   time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		TemperatureF: &temp,
		WifiRSSI:     &rssi,
	}))

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM device_telemetry`))
	require.Equal(t, 1, count)
}

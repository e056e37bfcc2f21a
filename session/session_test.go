package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fieldscout/gateway/chunkstore"
	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/dispatch"
	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
	"github.com/fieldscout/gateway/wake"
)

type published struct {
	topic   string
	payload map[string]json.RawMessage
}

type fakePub struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePub) Publish(topic string, _ byte, _ bool, payload []byte) error {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, payload: decoded})
	return nil
}

// withKey returns every published message carrying the given payload key.
func (f *fakePub) withKey(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if _, ok := p.payload[key]; ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string][]byte
	fail    bool
}

func (f *fakeUploader) Upload(_ context.Context, path string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", context.DeadlineExceeded
	}
	f.uploads[path] = append([]byte(nil), data...)
	return "https://storage.example.com/" + path, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakePub, *fakeUploader) {
	t.Helper()
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var st = store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(context.Background()))

	var pub = &fakePub{}
	var uploader = &fakeUploader{uploads: map[string][]byte{}}
	var topics = mqttc.Topics{Prefix: "camera"}
	var audit = devctx.NewAuditor(nil)
	var sched = wake.NewScheduler(nil, st)

	var e = NewEngine(Config{
		Store:    st,
		Chunks:   chunkstore.New(db),
		RPC:      st.NewRPC(),
		Resolver: devctx.NewResolver(st, time.Minute),
		Audit:    audit,
		Pub:      pub,
		Topics:   topics,
		Uploader: uploader,
		Sched:    sched,
		Commands: dispatch.New(st, pub, topics, sched, audit),
	})
	// Timeout firings are driven directly in these tests.
	e.ChunkTimeout = time.Hour
	return e, st, pub, uploader
}

func helloMsg(mac string, pending int, list ...string) *protocol.Hello {
	return &protocol.Hello{
		DeviceID:    mac,
		Status:      "alive",
		PendingImg:  &pending,
		PendingList: list,
	}
}

func metadataMsg(mac, image string, total int) *protocol.Metadata {
	return &protocol.Metadata{
		DeviceID:      mac,
		ImageName:     image,
		ImageSize:     0,
		CapturedAtRaw: "2026-03-01 08:30:00",
		TotalChunks:   total,
	}
}

func chunkMsg(mac, image string, index int, data []byte) *protocol.Chunk {
	return &protocol.Chunk{
		DeviceID:  mac,
		ImageName: image,
		ChunkID:   &index,
		Payload:   base64.StdEncoding.EncodeToString(data),
	}
}

// jpegParts splits a minimal JPEG-framed byte stream into n chunks.
func jpegParts(n int) [][]byte {
	var body = []byte{0xFF, 0xD8, 0xFF, 0xE0}
	for len(body) < n*4-2 {
		body = append(body, byte(len(body)))
	}
	body = append(body, 0xFF, 0xD9)

	var size = (len(body) + n - 1) / n
	var parts [][]byte
	for i := 0; i < len(body); i += size {
		var end = i + size
		if end > len(body) {
			end = len(body)
		}
		parts = append(parts, body[i:end])
	}
	return parts
}

func TestHelloAutoProvisionsAndRequestsCapture(t *testing.T) {
	var e, st, pub, _ = newTestEngine(t)
	var ctx = context.Background()

	e.HandleHello(ctx, helloMsg("B8:F8:62:F9:C1:C4", 0))

	d, err := st.GetDeviceByMAC(ctx, "B8F862F9C1C4")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "DEVICE-ESP32S3-001", d.DeviceCode)
	require.Equal(t, store.ProvisioningPending, d.ProvisioningStatus)

	var captures = pub.withKey("capture_image")
	require.Len(t, captures, 1)
	require.Equal(t, "camera/B8F862F9C1C4/cmd", captures[0].topic)

	var sess = e.session("B8F862F9C1C4")
	require.NotNil(t, sess)
	require.Equal(t, StateCaptureSent, sess.State)
}

func TestHelloDebouncesRepeatedCapture(t *testing.T) {
	var e, _, pub, _ = newTestEngine(t)
	var ctx = context.Background()

	e.HandleHello(ctx, helloMsg("AABBCCDDEEFF", 0))
	e.HandleHello(ctx, helloMsg("AABBCCDDEEFF", 0))

	require.Len(t, pub.withKey("capture_image"), 1)
}

func TestHelloQueuedCaptureSuppressesFreshOne(t *testing.T) {
	var e, st, pub, _ = newTestEngine(t)
	var ctx = context.Background()

	var d, err = st.AutoProvision(ctx, "AABBCCDDEEFF", "")
	require.NoError(t, err)
	_, err = st.EnqueueCommand(ctx, d.ID, store.CmdCaptureImage, nil)
	require.NoError(t, err)

	e.HandleHello(ctx, helloMsg("AABBCCDDEEFF", 0))

	// The queued capture went out during the drain; no second one.
	require.Len(t, pub.withKey("capture_image"), 1)
}

func TestHappyPathTransfer(t *testing.T) {
	var e, st, pub, uploader = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(3)

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "capture_001.jpg", 3))

	var sess = e.session(mac)
	require.Equal(t, StateImageInFlight, sess.State)

	// Out-of-order arrival is fine.
	e.HandleChunk(ctx, chunkMsg(mac, "capture_001.jpg", 2, parts[2]))
	e.HandleChunk(ctx, chunkMsg(mac, "capture_001.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "capture_001.jpg", 1, parts[1]))

	// The artifact is the ordered concatenation.
	var want []byte
	for _, p := range parts {
		want = append(want, p...)
	}
	require.Equal(t, want, uploader.uploads[mac+"/capture_001.jpg"])

	d, err := st.GetDeviceByMAC(ctx, mac)
	require.NoError(t, err)
	rec, err := st.GetImage(ctx, d.ID, "capture_001.jpg")
	require.NoError(t, err)
	require.Equal(t, store.ImageComplete, rec.Status)
	require.Equal(t, 3, rec.ReceivedChunks)
	require.NotNil(t, rec.ImageURL)

	// Terminal ACK carries the next wake time and ends the session.
	var acks = pub.withKey("ACK_OK")
	require.Len(t, acks, 1)
	require.Equal(t, "camera/"+mac+"/ack", acks[0].topic)
	var inner struct {
		NextWakeTime string `json:"next_wake_time"`
	}
	require.NoError(t, json.Unmarshal(acks[0].payload["ACK_OK"], &inner))
	require.Regexp(t, `^([1-9]|1[0-2]):[0-5][0-9](AM|PM)$`, inner.NextWakeTime)

	require.Nil(t, e.session(mac))
	require.Nil(t, e.assembly(assemblyKey{mac: mac, image: "capture_001.jpg"}))

	d, err = st.GetDeviceByMAC(ctx, mac)
	require.NoError(t, err)
	require.NotNil(t, d.NextWakeAt)
}

func TestDrainFlow(t *testing.T) {
	var e, _, pub, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)

	e.HandleHello(ctx, helloMsg(mac, 2, "a.jpg", "b.jpg"))
	require.Len(t, pub.withKey("send_all_pending"), 1)
	require.Equal(t, StateDrainingPending, e.session(mac).State)

	// First backlog image: requested by name, acked with a bare ACK_OK.
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	require.Len(t, pub.withKey("send_image"), 1)
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	var acks = pub.withKey("ACK_OK")
	require.Len(t, acks, 1)
	require.JSONEq(t, `{}`, string(acks[0].payload["ACK_OK"]))
	require.NotNil(t, e.session(mac))
	require.Equal(t, 1, e.session(mac).PendingDrained)

	// Second backlog image completes the drain; a fresh capture follows.
	e.HandleMetadata(ctx, metadataMsg(mac, "b.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "b.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "b.jpg", 1, parts[1]))

	acks = pub.withKey("ACK_OK")
	require.Len(t, acks, 2)
	require.JSONEq(t, `{}`, string(acks[1].payload["ACK_OK"]))
	require.Len(t, pub.withKey("capture_image"), 1)
	require.Equal(t, StateCaptureSent, e.session(mac).State)
}

func TestDuplicateMetadataKeepsProgress(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(3)

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 3))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))

	// Identical re-delivery neither resets chunks nor re-creates state.
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 3))
	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestChangedMetadataRestartsTransfer(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(3)

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 3))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))

	// The device restarted the capture with different parameters.
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 4))

	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, 4, e.assembly(assemblyKey{mac: mac, image: "a.jpg"}).TotalChunks)
}

func TestMissingChunkTimeout(t *testing.T) {
	var e, st, pub, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(3)
	var key = assemblyKey{mac: mac, image: "a.jpg"}

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 3))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 2, parts[2]))

	// Inactivity fires while the session is alive: targeted retransmit
	// request, record returned to receiving with the retry counted.
	e.onChunkTimeout(key)

	var requests = pub.withKey("missing_chunks")
	require.Len(t, requests, 1)
	var missing []int
	require.NoError(t, json.Unmarshal(requests[0].payload["missing_chunks"], &missing))
	require.Equal(t, []int{1}, missing)

	var imageID = e.assembly(key).ImageID
	rec, err := st.GetImageByID(ctx, imageID)
	require.NoError(t, err)
	require.Equal(t, store.ImageReceiving, rec.Status)
	require.Equal(t, 1, rec.RetryCount)

	// The session is gone by the next firing: the transfer is abandoned
	// with its missing list recorded.
	e.dropSession(mac)
	e.onChunkTimeout(key)

	rec, err = st.GetImageByID(ctx, imageID)
	require.NoError(t, err)
	require.Equal(t, store.ImageIncomplete, rec.Status)
	require.JSONEq(t, `[1]`, *rec.MissingChunks)
	require.Nil(t, e.assembly(key))
}

func TestLateChunkCompletesViaTimeout(t *testing.T) {
	var e, st, _, uploader = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)
	var key = assemblyKey{mac: mac, image: "a.jpg"}

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	// Already finalized by the chunk path; a later timer firing on the
	// completed transfer is a no-op.
	require.NotEmpty(t, uploader.uploads)
	e.onChunkTimeout(key)

	d, err := st.GetDeviceByMAC(ctx, mac)
	require.NoError(t, err)
	rec, err := st.GetImage(ctx, d.ID, "a.jpg")
	require.NoError(t, err)
	require.Equal(t, store.ImageComplete, rec.Status)
}

func TestUploadFailureMarksImageFailed(t *testing.T) {
	var e, st, pub, uploader = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)
	uploader.fail = true

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	d, err := st.GetDeviceByMAC(ctx, mac)
	require.NoError(t, err)
	rec, err := st.GetImage(ctx, d.ID, "a.jpg")
	require.NoError(t, err)
	require.Equal(t, store.ImageFailed, rec.Status)
	require.Equal(t, store.ErrCodeStorageUpload, *rec.ErrorCode)

	// No acknowledgment: the device re-offers the image next wake.
	require.Empty(t, pub.withKey("ACK_OK"))
	require.Nil(t, e.assembly(assemblyKey{mac: mac, image: "a.jpg"}))
}

func TestUndecodableChunkRequestsRetransmit(t *testing.T) {
	var e, _, pub, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))

	var index = 1
	e.HandleChunk(ctx, &protocol.Chunk{
		DeviceID:  mac,
		ImageName: "a.jpg",
		ChunkID:   &index,
		Payload:   "not!!base64",
	})

	var requests = pub.withKey("missing_chunks")
	require.Len(t, requests, 1)
	var missing []int
	require.NoError(t, json.Unmarshal(requests[0].payload["missing_chunks"], &missing))
	require.Equal(t, []int{1}, missing)

	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStragglerAfterFinalizeIsDropped(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	// Retransmitted chunk arriving inside the suppression window.
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPendingListResetClearsChunks(t *testing.T) {
	var e, st, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"

	var d, err = st.AutoProvision(ctx, mac, "")
	require.NoError(t, err)
	rec, _, err := st.UpsertPendingImage(ctx, d.ID, "a.jpg")
	require.NoError(t, err)
	require.NoError(t, st.MarkImageComplete(ctx, rec.ID, "https://example.com/a.jpg"))
	_, err = e.chunks.Store(ctx, mac, "a.jpg", 0, []byte("stale"))
	require.NoError(t, err)

	// The device still claims the image: the record resets and the stale
	// chunk namespace is cleared for clean re-reception.
	e.HandleHello(ctx, helloMsg(mac, 1, "a.jpg"))

	stored, err := st.GetImage(ctx, d.ID, "a.jpg")
	require.NoError(t, err)
	require.Equal(t, store.ImagePending, stored.Status)
	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSessionSweeperReapsIdleSessions(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	e.SetClock(func() time.Time { return base })
	e.HandleHello(ctx, helloMsg("AABBCCDDEEFF", 0))
	require.NotNil(t, e.session("AABBCCDDEEFF"))

	e.SetClock(func() time.Time { return base.Add(11 * time.Minute) })
	e.sweepSessions(ctx)
	require.Nil(t, e.session("AABBCCDDEEFF"))
}

func TestQueuedCaptureCountsForDrainCycle(t *testing.T) {
	var e, st, pub, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)

	var d, err = st.AutoProvision(ctx, mac, "")
	require.NoError(t, err)
	_, err = st.EnqueueCommand(ctx, d.ID, store.CmdCaptureImage, nil)
	require.NoError(t, err)

	// The drain sends the queued capture; it is this cycle's capture.
	e.HandleHello(ctx, helloMsg(mac, 1, "a.jpg"))
	require.Len(t, pub.withKey("capture_image"), 1)

	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))

	// Drain complete: the post-drain ack must not issue a second capture.
	require.Len(t, pub.withKey("capture_image"), 1)
	require.Equal(t, StateCaptureSent, e.session(mac).State)
}

func TestSweeperConcurrentWithHandlers(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"

	e.HandleHello(ctx, helloMsg(mac, 0))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			// Varying totals cycle the restart path and touch the session.
			e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2+i%3))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			e.sweepSessions(ctx)
		}
	}()
	wg.Wait()

	require.NotNil(t, e.session(mac))
}

func TestFinalizeRechecksForSweptChunks(t *testing.T) {
	var e, st, pub, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)
	var key = assemblyKey{mac: mac, image: "a.jpg"}

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))

	// Finalize with a chunk gone, as after a TTL sweep between the count
	// and the recheck: retransmission is requested immediately.
	var a = e.assembly(key)
	e.finalize(ctx, a, e.session(mac))

	var requests = pub.withKey("missing_chunks")
	require.Len(t, requests, 1)
	var missing []int
	require.NoError(t, json.Unmarshal(requests[0].payload["missing_chunks"], &missing))
	require.Equal(t, []int{1}, missing)

	rec, err := st.GetImageByID(ctx, a.ImageID)
	require.NoError(t, err)
	require.Equal(t, store.ImageReceiving, rec.Status)
	require.Equal(t, 1, rec.RetryCount)
	require.False(t, a.Completed)
}

func TestOutOfRangeChunkIsIgnored(t *testing.T) {
	var e, _, _, uploader = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var parts = jpegParts(2)

	e.HandleHello(ctx, helloMsg(mac, 0))
	e.HandleMetadata(ctx, metadataMsg(mac, "a.jpg", 2))

	// An index beyond the declared total is dropped without buffering.
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 5, parts[0]))
	count, err := e.chunks.CountReceived(ctx, mac, "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)

	// The in-range chunks still complete the transfer.
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg(mac, "a.jpg", 1, parts[1]))
	require.NotEmpty(t, uploader.uploads)
}

func TestDeviceLockEntriesArePruned(t *testing.T) {
	var e, _, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var parts = jpegParts(2)

	e.HandleHello(ctx, helloMsg("AABBCCDDEEFF", 0))
	e.HandleMetadata(ctx, metadataMsg("AABBCCDDEEFF", "a.jpg", 2))
	e.HandleChunk(ctx, chunkMsg("AABBCCDDEEFF", "a.jpg", 0, parts[0]))
	e.HandleChunk(ctx, chunkMsg("AABBCCDDEEFF", "a.jpg", 1, parts[1]))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Empty(t, e.devLocks)
}

func TestTelemetryPersistedWithTransfer(t *testing.T) {
	var e, st, _, _ = newTestEngine(t)
	var ctx = context.Background()
	var mac = "AABBCCDDEEFF"
	var temp = 21.5

	var battery = 3.91
	var hello = helloMsg(mac, 0)
	hello.BatteryVoltage = &battery
	e.HandleHello(ctx, hello)

	var meta = metadataMsg(mac, "a.jpg", 2)
	meta.Sensors.Temperature = &temp
	e.HandleMetadata(ctx, meta)

	var row struct {
		TemperatureF   float64 `db:"temperature_f"`
		BatteryVoltage float64 `db:"battery_voltage"`
	}
	require.NoError(t, st.DB().Get(&row,
		`SELECT temperature_f, battery_voltage FROM device_telemetry LIMIT 1`))
	require.Equal(t, 70.7, row.TemperatureF)
	require.Equal(t, 3.91, row.BatteryVoltage)
}

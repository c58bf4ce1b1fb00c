package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/erp/compliance/internal/testutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingEntry is a delivered, unacknowledged entry and its owner
type pendingEntry struct {
	msg      redis.XMessage
	consumer string
	since    time.Time
}

// fakeStreams keeps streams in memory with one consumer group per stream
type fakeStreams struct {
	mu        sync.Mutex
	entries   map[string][]redis.XMessage
	next      map[string]int
	pending   map[string][]pendingEntry
	groups    map[string]bool
	acked     []string
	claims    int
	onIdle    func()
	addErr    error
	lastBlock time.Duration
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		entries: map[string][]redis.XMessage{},
		next:    map[string]int{},
		pending: map[string][]pendingEntry{},
		groups:  map[string]bool{},
	}
}

func (f *fakeStreams) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return redis.NewStringResult("", f.addErr)
	}
	values, _ := a.Values.(map[string]any)
	id := fmt.Sprintf("%d-0", len(f.entries[a.Stream])+1)
	f.entries[a.Stream] = append(f.entries[a.Stream], redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeStreams) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[stream] {
		return redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists"))
	}
	f.groups[stream] = true
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	stream, cursor := a.Streams[0], a.Streams[1]
	f.lastBlock = a.Block
	if cursor == "0" {
		var msgs []redis.XMessage
		for _, p := range f.pending[stream] {
			if p.consumer == a.Consumer {
				msgs = append(msgs, p.msg)
			}
		}
		f.mu.Unlock()
		return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: stream, Messages: msgs}}, nil)
	}
	all := f.entries[stream]
	start := f.next[stream]
	if start >= len(all) {
		onIdle := f.onIdle
		f.mu.Unlock()
		if onIdle != nil {
			onIdle()
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	end := min(start+int(a.Count), len(all))
	msgs := append([]redis.XMessage(nil), all[start:end]...)
	f.next[stream] = end
	for _, m := range msgs {
		f.pending[stream] = append(f.pending[stream], pendingEntry{msg: m, consumer: a.Consumer, since: time.Now()})
	}
	f.mu.Unlock()
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: stream, Messages: msgs}}, nil)
}

func (f *fakeStreams) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		kept := f.pending[stream][:0]
		for _, p := range f.pending[stream] {
			if p.msg.ID != id {
				kept = append(kept, p)
			}
		}
		f.pending[stream] = kept
		f.acked = append(f.acked, id)
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStreams) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	var claimed []redis.XMessage
	now := time.Now()
	for i, p := range f.pending[a.Stream] {
		if now.Sub(p.since) >= a.MinIdle {
			f.pending[a.Stream][i] = pendingEntry{msg: p.msg, consumer: a.Consumer, since: now}
			claimed = append(claimed, p.msg)
		}
	}
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(claimed, "0-0")
	return cmd
}

func singleShard() config.RedisStreamConfig {
	return config.RedisStreamConfig{StreamPrefix: "audit", Shards: 1, Group: "g", Consumer: "c1", Block: time.Millisecond}
}

func newSerializer(t *testing.T) *event.EventSerializer {
	t.Helper()
	s, err := event.NewAuditEventSerializer()
	require.NoError(t, err)
	return s
}

func fastDelivery() event.DeliveryConfig {
	return event.DeliveryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

// runUntilIdle runs the consumer until every stream has been read to the end
func runUntilIdle(t *testing.T, client *fakeStreams, consumer *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.onIdle = cancel
	require.NoError(t, consumer.Run(ctx))
}

func TestShardFor(t *testing.T) {
	key := uuid.NewString()
	shard := ShardFor(key, 12)

	assert.Equal(t, shard, ShardFor(key, 12))
	assert.GreaterOrEqual(t, shard, 0)
	assert.Less(t, shard, 12)
	assert.Equal(t, 0, ShardFor(key, 1))
	assert.Equal(t, "audit:3", StreamName("audit", 3))
	assert.Equal(t, "audit:dlq", DeadLetterStream("audit"))
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(config.RedisStreamConfig{})

	assert.Equal(t, DefaultStreamPrefix, cfg.StreamPrefix)
	assert.Equal(t, DefaultShards, cfg.Shards)
	assert.Equal(t, DefaultGroup, cfg.Group)
	assert.Equal(t, 5, cfg.MaxDeliveryAttempts)
	assert.Equal(t, time.Minute, cfg.ClaimMinIdle)
}

func TestPublisher_AppendsToInvoiceShard(t *testing.T) {
	client := newFakeStreams()
	cfg := config.RedisStreamConfig{StreamPrefix: "audit", Shards: 4}
	pub := newPublisher(client, cfg, newSerializer(t), nil)
	invoiceID := uuid.New()
	evt := testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), invoiceID)

	require.NoError(t, pub.Publish(context.Background(), evt))

	stream := StreamName("audit", ShardFor(invoiceID.String(), 4))
	require.Len(t, client.entries[stream], 1)
	values := client.entries[stream][0].Values
	assert.Equal(t, invoiceID.String(), values[fieldKey])
	assert.Equal(t, "SUBMITTED", values[fieldEventType])
	assert.Equal(t, evt.EventID().String(), values[fieldEventID])
	assert.Contains(t, values[fieldPayload], evt.EventID().String())
}

func TestPublisher_ReportsAppendFailure(t *testing.T) {
	client := newFakeStreams()
	client.addErr = errors.New("OOM command not allowed")
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)

	err := pub.Publish(context.Background(), testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), uuid.New()))

	assert.ErrorContains(t, err, "OOM")
}

func TestConsumer_HandlesInOrderAndAcks(t *testing.T) {
	client := newFakeStreams()
	invoiceID := uuid.New()
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)
	require.NoError(t, pub.Publish(context.Background(),
		testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), invoiceID),
		testutil.NewAuditEvent(compliance.AuditEventAccepted, testutil.TestTenantID(), invoiceID),
	))
	handler := testutil.NewMockEventHandler()
	consumer := newConsumer(client, singleShard(), newSerializer(t), handler, fastDelivery(), nil, nil)

	runUntilIdle(t, client, consumer)

	handled := handler.Handled()
	require.Len(t, handled, 2)
	assert.Equal(t, "SUBMITTED", handled[0].EventType())
	assert.Equal(t, "ACCEPTED", handled[1].EventType())
	assert.Equal(t, []string{"1-0", "2-0"}, client.acked)
	assert.Empty(t, client.pending["audit:0"])
	assert.Equal(t, time.Millisecond, client.lastBlock)
}

func TestConsumer_ReadsPendingEntriesFirst(t *testing.T) {
	client := newFakeStreams()
	invoiceID := uuid.New()
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)
	require.NoError(t, pub.Publish(context.Background(),
		testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), invoiceID),
		testutil.NewAuditEvent(compliance.AuditEventAccepted, testutil.TestTenantID(), invoiceID),
	))
	// The first entry was read by this consumer before it crashed
	client.pending["audit:0"] = []pendingEntry{{msg: client.entries["audit:0"][0], consumer: "c1", since: time.Now()}}
	client.next["audit:0"] = 1
	handler := testutil.NewMockEventHandler()
	consumer := newConsumer(client, singleShard(), newSerializer(t), handler, fastDelivery(), nil, nil)

	runUntilIdle(t, client, consumer)

	handled := handler.Handled()
	require.Len(t, handled, 2)
	assert.Equal(t, "SUBMITTED", handled[0].EventType())
	assert.Equal(t, []string{"1-0", "2-0"}, client.acked)
}

func TestConsumer_ClaimsEntriesOfAbandonedConsumer(t *testing.T) {
	client := newFakeStreams()
	invoiceID := uuid.New()
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)
	require.NoError(t, pub.Publish(context.Background(),
		testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), invoiceID),
		testutil.NewAuditEvent(compliance.AuditEventError, testutil.TestTenantID(), uuid.New()),
		testutil.NewAuditEvent(compliance.AuditEventAccepted, testutil.TestTenantID(), invoiceID),
	))
	// c0 read the first entry an hour ago and never came back; c2 is alive
	entries := client.entries["audit:0"]
	client.pending["audit:0"] = []pendingEntry{
		{msg: entries[0], consumer: "c0", since: time.Now().Add(-time.Hour)},
		{msg: entries[1], consumer: "c2", since: time.Now()},
	}
	client.next["audit:0"] = 2
	handler := testutil.NewMockEventHandler()
	consumer := newConsumer(client, singleShard(), newSerializer(t), handler, fastDelivery(), nil, nil)

	runUntilIdle(t, client, consumer)

	handled := handler.Handled()
	require.Len(t, handled, 2)
	assert.Equal(t, "SUBMITTED", handled[0].EventType())
	assert.Equal(t, "ACCEPTED", handled[1].EventType())
	assert.Equal(t, []string{"1-0", "3-0"}, client.acked)
	require.Len(t, client.pending["audit:0"], 1)
	assert.Equal(t, "c2", client.pending["audit:0"][0].consumer)
	assert.Equal(t, 1, client.claims, "the next sweep waits for the idle threshold")
}

func TestConsumer_DeadLettersFailingEntry(t *testing.T) {
	client := newFakeStreams()
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)
	require.NoError(t, pub.Publish(context.Background(),
		testutil.NewAuditEvent(compliance.AuditEventError, testutil.TestTenantID(), uuid.New())))
	handler := testutil.NewMockEventHandler()
	handler.SetError(errors.New("audit store down"))
	consumer := newConsumer(client, singleShard(), newSerializer(t), handler, fastDelivery(), nil, nil)

	runUntilIdle(t, client, consumer)

	dlq := client.entries["audit:dlq"]
	require.Len(t, dlq, 1)
	assert.Equal(t, "ERROR", dlq[0].Values[fieldEventType])
	assert.Equal(t, "2", dlq[0].Values[fieldAttempts])
	assert.Equal(t, event.DeadLetterExhausted, dlq[0].Values[fieldReason])
	assert.Contains(t, dlq[0].Values[fieldError], "audit store down")
	assert.Equal(t, []string{"1-0"}, client.acked)
}

func TestConsumer_ToleratesExistingGroup(t *testing.T) {
	client := newFakeStreams()
	client.groups["audit:0"] = true
	consumer := newConsumer(client, singleShard(), newSerializer(t), testutil.NewMockEventHandler(), fastDelivery(), nil, nil)

	runUntilIdle(t, client, consumer)
}

func TestConsumer_StopsWhenDeadLetterFails(t *testing.T) {
	client := newFakeStreams()
	pub := newPublisher(client, singleShard(), newSerializer(t), nil)
	require.NoError(t, pub.Publish(context.Background(),
		testutil.NewAuditEvent(compliance.AuditEventSubmitted, testutil.TestTenantID(), uuid.New())))
	client.addErr = errors.New("READONLY replica")
	handler := testutil.NewMockEventHandler()
	handler.SetError(errors.New("audit store down"))
	consumer := newConsumer(client, singleShard(), newSerializer(t), handler, fastDelivery(), nil, nil)

	err := consumer.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
	assert.Empty(t, client.acked)
}

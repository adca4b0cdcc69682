package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/warp/remit-engine/ledger"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	fail    error
	flushed bool
	closed  bool
}

func (p *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	fail := p.fail
	p.mu.Unlock()
	if promise != nil {
		promise(r, fail)
	}
}

func (p *fakeProducer) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = true
	return nil
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func TestKafkaMirror_ProducesKeyedEnvelope(t *testing.T) {
	producer := &fakeProducer{}
	mirror := newKafkaMirror(producer, "remit.events", nil)

	mirror.Mirror(context.Background(), ledger.ToUser("alice"), sampleEvent())

	require.Len(t, producer.records, 1)
	rec := producer.records[0]
	assert.Equal(t, "remit.events", rec.Topic)
	assert.Equal(t, "user:alice", string(rec.Key))
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "settings_updated", string(rec.Headers[0].Value))

	ev, err := ledger.DecodeEvent(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventSettingsUpdated, ev.Kind)
}

func TestKafkaMirror_FailureDoesNotPropagate(t *testing.T) {
	producer := &fakeProducer{fail: errors.New("broker down")}
	hub := NewHub(nil, WithMirror(newKafkaMirror(producer, "remit.events", nil)))
	ch := &fakeChannel{}
	hub.Register(testAdmin, ch)

	hub.Notify(context.Background(), ledger.AdminBroadcast(), sampleEvent())

	assert.Equal(t, 1, ch.count(), "live delivery still happens")
	assert.Len(t, producer.records, 1)
}

func TestKafkaMirror_CloseFlushes(t *testing.T) {
	producer := &fakeProducer{}
	mirror := newKafkaMirror(producer, "remit.events", nil)

	require.NoError(t, mirror.Close(context.Background()))

	assert.True(t, producer.flushed)
	assert.True(t, producer.closed)
}

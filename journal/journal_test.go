package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"copymirror/config"
	"copymirror/copytrade"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaJournal_PublishKeyedBySymbol(t *testing.T) {
	w := &fakeWriter{}
	j := &KafkaJournal{writer: w, topic: "copymirror.signals"}

	sig := copytrade.PositionOpened{
		Meta:     copytrade.Meta{Seq: 7, Timestamp: time.Unix(1700000000, 0), Source: copytrade.SourceLive},
		Position: copytrade.Position{Symbol: "BTCUSDT", Side: copytrade.SideBuy, Qty: 0.04, Idx: 1},
		Side:     copytrade.SideBuy,
	}
	require.NoError(t, j.Publish(context.Background(), sig))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "BTCUSDT", string(w.msgs[0].Key))

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, float64(7), rec["seq"])
	assert.Equal(t, string(copytrade.KindOpened), rec["kind"])
	assert.Equal(t, "BTCUSDT#1", rec["key"])

	require.NoError(t, j.Close())
	assert.True(t, w.closed)
}

func TestNew_DisabledIsNop(t *testing.T) {
	cfg := &config.Config{}
	_, ok := New(cfg).(NopJournal)
	assert.True(t, ok)
}

package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/logger"

	"github.com/segmentio/kafka-go"
)

// Journal 信号日志
type Journal interface {
	Publish(ctx context.Context, sig copytrade.CopySignal) error
	Close() error
}

// Record 信号日志记录
type Record struct {
	Seq       uint64                 `json:"seq"`
	Kind      copytrade.SignalKind   `json:"kind"`
	Source    copytrade.SignalSource `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Key       string                 `json:"key"`
	Signal    copytrade.CopySignal   `json:"signal"`
}

// Encode 序列化信号，消息键为交易对以保证同一交易对有序
func Encode(sig copytrade.CopySignal) (key []byte, value []byte, err error) {
	meta := sig.Metadata()
	rec := Record{
		Seq:       meta.Seq,
		Kind:      sig.Kind(),
		Source:    meta.Source,
		Timestamp: meta.Timestamp,
		Key:       sig.Key().String(),
		Signal:    sig,
	}
	value, err = json.Marshal(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化信号失败: %w", err)
	}
	return []byte(sig.Key().Symbol), value, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaJournal 将每个信号写入 Kafka
type KafkaJournal struct {
	writer messageWriter
	topic  string
}

// NewKafkaJournal 创建 Kafka 信号日志
func NewKafkaJournal(brokers []string, topic string) *KafkaJournal {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaJournal{writer: writer, topic: topic}
}

// Publish 写入信号
func (j *KafkaJournal) Publish(ctx context.Context, sig copytrade.CopySignal) error {
	key, value, err := Encode(sig)
	if err != nil {
		return err
	}
	if err := j.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("写入 Kafka 失败: %w", err)
	}
	return nil
}

// Close 关闭 writer
func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}

// NopJournal 未启用 Kafka 时使用
type NopJournal struct{}

func (NopJournal) Publish(ctx context.Context, sig copytrade.CopySignal) error { return nil }
func (NopJournal) Close() error                                                { return nil }

// New 按配置创建信号日志
func New(cfg *config.Config) Journal {
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) == 0 {
		return NopJournal{}
	}
	logger.Info("✅ [Journal] Kafka 信号日志已启用 (topic: %s)", cfg.Kafka.Topic)
	return NewKafkaJournal(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

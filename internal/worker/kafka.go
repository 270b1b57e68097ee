package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka 分发配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaDispatcher 将下载任务写入 Kafka，由任意实例消费
type KafkaDispatcher struct {
	writer *kafka.Writer
}

// NewKafkaDispatcher 创建 Kafka 分发器
func NewKafkaDispatcher(cfg KafkaConfig) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
	}, nil
}

// EncodeJob 任务编码为 Kafka 消息，按记录 ID 分区
func EncodeJob(job DownloadJob) (kafka.Message, error) {
	if job.RecordID == "" {
		return kafka.Message{}, errors.New("download job without record id")
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now()
	}
	value, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(job.RecordID), Value: value}, nil
}

// DecodeJob 解码 Kafka 消息
func DecodeJob(msg kafka.Message) (DownloadJob, error) {
	var job DownloadJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return job, fmt.Errorf("decode download job: %w", err)
	}
	if job.RecordID == "" {
		job.RecordID = string(msg.Key)
	}
	if job.RecordID == "" {
		return job, errors.New("download job without record id")
	}
	return job, nil
}

// Dispatch 写入一条任务消息
func (d *KafkaDispatcher) Dispatch(ctx context.Context, job DownloadJob) error {
	msg, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish download job: %w", err)
	}
	return nil
}

// Close 关闭 writer
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// KafkaConsumer 消费下载任务并交给协程池执行
type KafkaConsumer struct {
	reader  *kafka.Reader
	pool    *Pool
	handler Handler
	timeout time.Duration
}

// NewKafkaConsumer 创建消费者
func NewKafkaConsumer(cfg KafkaConfig, pool *Pool, handler Handler, timeout time.Duration) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka brokers, topic and group id are required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		pool:    pool,
		handler: handler,
		timeout: timeout,
	}, nil
}

// Run 持续消费直到 ctx 取消；消息在交给协程池后提交
// 下载本身是幂等的，重复投递不会产生重复记录
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch download job: %w", err)
		}

		job, err := DecodeJob(msg)
		if err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping malformed download job")
		} else {
			for !c.pool.Submit(func() { runJob(c.handler, job, c.timeout) }) {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(100 * time.Millisecond):
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit download job")
		}
	}
}

// Close 关闭 reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

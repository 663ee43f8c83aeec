package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"riskmanager/internal/config"
	"riskmanager/internal/models"
	"riskmanager/internal/risk"
	"riskmanager/pkg/retry"
)

// Bus - подключение к шине событий: pub/sub топики, ordered стримы
// и KV-хранилище снапшота состояния. Потокобезопасен, один экземпляр
// на процесс.
type Bus struct {
	client *redis.Client
	log    *zap.Logger
}

// Connect создает подключение и проверяет его доступность.
// Недоступный брокер ретраится с backoff'ом; исчерпание попыток - ошибка.
func Connect(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	retryCfg := retry.NetworkConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("event bus not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, retryCfg)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to event bus at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	log.Info("event bus connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))

	return &Bus{client: client, log: log}, nil
}

// Publish публикует сообщение в pub/sub топик (fire-and-forget)
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// AppendStream дописывает запись в ordered стрим с приблизительным
// ограничением длины (старые записи вытесняются)
func (b *Bus) AppendStream(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", stream, err)
	}
	return nil
}

// ReadStream блокирующе читает записи стрима после lastID.
// Таймаут ожидания возвращает пустой срез без ошибки.
func (b *Bus) ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]models.StreamEntry, error) {
	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}

	var entries []models.StreamEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if str, ok := v.(string); ok {
					values[k] = str
				} else {
					values[k] = fmt.Sprintf("%v", v)
				}
			}
			entries = append(entries, models.StreamEntry{ID: msg.ID, Values: values})
		}
	}
	return entries, nil
}

// SaveSnapshot сохраняет снапшот состояния под фиксированным ключом
func (b *Bus) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot читает снапшот. Отсутствие ключа - (nil, nil).
func (b *Bus) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return data, nil
}

// Subscription - активная подписка на pub/sub топик
type Subscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
}

// Messages возвращает канал входящих сообщений.
// Канал закрывается при закрытии подписки.
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

// Close закрывает подписку
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe подписывается на pub/sub топик. Подписка подтверждается
// до возврата: сообщения, опубликованные после вызова, не теряются.
func (b *Bus) Subscribe(ctx context.Context, channel string) (risk.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &Subscription{
		pubsub:   pubsub,
		messages: make(chan []byte, 64),
	}

	go func() {
		defer close(sub.messages)
		for msg := range pubsub.Channel() {
			sub.messages <- []byte(msg.Payload)
		}
	}()

	return sub, nil
}

// Close закрывает подключение к брокеру
func (b *Bus) Close() error {
	return b.client.Close()
}

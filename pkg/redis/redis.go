package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrSnapshotNotFound = errors.New("session snapshot not found")

type IRedis interface {
	SetSnapshot(ctx context.Context, sessionID string, payload []byte, expiration time.Duration) error
	GetSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

type redisClient struct {
	client *redis.Client
}

func New() IRedis {
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	redisAddr := os.Getenv("REDIS_ADDRESS")
	redisPassword := os.Getenv("REDIS_PASSWORD")

	logrus.Info(fmt.Sprintf("Connecting to Redis at %s...", redisAddr))

	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logrus.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
	} else {
		logrus.Info("Successfully connected to Redis")
	}

	return &redisClient{client: client}
}

func snapshotKey(sessionID string) string {
	return "session:snapshot:" + sessionID
}

func (r *redisClient) SetSnapshot(ctx context.Context, sessionID string, payload []byte, expiration time.Duration) error {
	err := r.client.Set(ctx, snapshotKey(sessionID), payload, expiration).Err()
	if err != nil {
		logrus.Error(fmt.Sprintf("Error caching snapshot for session %s: %v", sessionID, err))
		return err
	}
	return nil
}

func (r *redisClient) GetSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	val, err := r.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	} else if err != nil {
		logrus.Error(fmt.Sprintf("Error reading snapshot for session %s: %v", sessionID, err))
		return nil, err
	}
	return val, nil
}

func (r *redisClient) DeleteSnapshot(ctx context.Context, sessionID string) error {
	_, err := r.client.Del(ctx, snapshotKey(sessionID)).Result()
	if err != nil {
		logrus.Error(fmt.Sprintf("Error deleting snapshot for session %s: %v", sessionID, err))
		return err
	}
	return nil
}

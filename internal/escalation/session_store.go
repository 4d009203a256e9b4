package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// SessionStore 升级会话状态存储（Redis 镜像）
//
// 内存中的会话注册表是权威状态，这里只做跨进程可见的镜像（仪表盘读取进度），
// 带 TTL 防止残留。
type SessionStore struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewSessionStore 创建会话存储
func NewSessionStore(redisClient *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger,
	}
}

// Key 构建会话状态键
func (s *SessionStore) Key(incidentID string) string {
	return s.keyPrefix + incidentID
}

// Save 写入会话状态（带 TTL）
func (s *SessionStore) Save(ctx context.Context, session *models.EscalationSession) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.redisClient.Set(ctx, s.Key(session.IncidentID), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// Get 读取会话状态
func (s *SessionStore) Get(ctx context.Context, incidentID string) (*models.EscalationSession, error) {
	val, err := s.redisClient.Get(ctx, s.Key(incidentID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("session not found: %s", incidentID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.EscalationSession
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// Delete 删除会话状态
func (s *SessionStore) Delete(ctx context.Context, incidentID string) error {
	if err := s.redisClient.Del(ctx, s.Key(incidentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

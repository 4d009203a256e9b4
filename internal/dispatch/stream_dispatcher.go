// Package dispatch 提供出站通信请求的发布
//
// 守护引擎只描述要做什么通信（拨打谁、通知谁），不负责通道实现；
// 请求发布到 Redis Streams，由通信协作方（语音/短信/邮件服务）消费执行。
package dispatch

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-guard/internal/common/redisutil"
	"wisefido-guard/internal/models"
)

// StreamDispatcher 基于 Redis Streams 的出站发布器（实现 escalation.Dispatcher）
type StreamDispatcher struct {
	redisClient    *redis.Client
	dispatchStream string
	notifyStream   string
	logger         *zap.Logger
}

// NewStreamDispatcher 创建发布器
func NewStreamDispatcher(redisClient *redis.Client, dispatchStream, notifyStream string, logger *zap.Logger) *StreamDispatcher {
	return &StreamDispatcher{
		redisClient:    redisClient,
		dispatchStream: dispatchStream,
		notifyStream:   notifyStream,
		logger:         logger,
	}
}

// Dispatch 发布拨打请求
func (d *StreamDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	id, err := redisutil.PublishJSONToStream(ctx, d.redisClient, d.dispatchStream, req)
	if err != nil {
		return fmt.Errorf("failed to publish dispatch request: %w", err)
	}

	d.logger.Info("Dispatch request published",
		zap.String("incident_id", req.IncidentID),
		zap.String("contact_id", req.ContactID),
		zap.String("channel", req.Channel),
		zap.Int("attempt_index", req.AttemptIndex),
		zap.String("stream_id", id),
	)
	return nil
}

// NotifyAll 发布全员通知请求
func (d *StreamDispatcher) NotifyAll(ctx context.Context, req models.NotifyAllRequest) error {
	id, err := redisutil.PublishJSONToStream(ctx, d.redisClient, d.notifyStream, req)
	if err != nil {
		return fmt.Errorf("failed to publish notify-all request: %w", err)
	}

	d.logger.Info("Notify-all request published",
		zap.String("incident_id", req.IncidentID),
		zap.Int("contact_count", len(req.Contacts)),
		zap.String("stream_id", id),
	)
	return nil
}

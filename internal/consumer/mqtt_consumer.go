// Package consumer 提供入站事件消费
//
// 通过 MQTT 订阅四类入站事件（主题格式 guard/{home_id}/<kind>）：
// - speech：语音事件（文本 + 可选声学特征），来自语音管线协作方
// - location：位置更新，来自室内定位协作方
// - request：结构化意图请求，来自意图解析协作方
// - call：拨打状态回报（接通/失败），来自通信协作方
//
// 每类事件独立处理，互不阻塞；解析失败只记录日志，不中断订阅。
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wisefido-guard/internal/common/mqttutil"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"
)

// EventHandler 入站事件处理接口（由 service.GuardService 实现）
type EventHandler interface {
	// HandleSpeech 处理语音事件
	HandleSpeech(ctx context.Context, homeID string, sc *models.SignalContext)
	// HandleLocation 处理位置更新
	HandleLocation(ctx context.Context, homeID string, pos models.Position)
	// HandleRequest 处理结构化意图请求
	HandleRequest(ctx context.Context, homeID string, req *models.GuardRequest, sc *models.SignalContext)
	// HandleCallStatus 处理拨打状态回报
	HandleCallStatus(ctx context.Context, homeID, incidentID, contactID, status string)
}

// RequestEnvelope request 主题的消息体（意图请求 + 可选信号上下文）
type RequestEnvelope struct {
	Request *models.GuardRequest  `json:"request"`
	Signal  *models.SignalContext `json:"signal,omitempty"`
}

// CallStatusEvent call 主题的消息体
type CallStatusEvent struct {
	IncidentID string `json:"incident_id"`
	ContactID  string `json:"contact_id"`
	Status     string `json:"status"` // connected, failed
}

// GuardConsumer 守护事件消费者
type GuardConsumer struct {
	config     *config.Config
	mqttClient *mqttutil.Client
	handler    EventHandler
	logger     *zap.Logger
}

// NewGuardConsumer 创建消费者
func NewGuardConsumer(
	cfg *config.Config,
	mqttClient *mqttutil.Client,
	handler EventHandler,
	logger *zap.Logger,
) *GuardConsumer {
	return &GuardConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		handler:    handler,
		logger:     logger,
	}
}

// Start 启动消费者（订阅全部守护主题）
func (c *GuardConsumer) Start(ctx context.Context) error {
	qos := c.config.MQTT.QoS

	if err := c.mqttClient.Subscribe(c.config.Guard.Topics.Speech, qos, c.handleSpeechMessage(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to speech topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.Guard.Topics.Location, qos, c.handleLocationMessage(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to location topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.Guard.Topics.Request, qos, c.handleRequestMessage(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to request topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.Guard.Topics.Call, qos, c.handleCallMessage(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to call topic: %w", err)
	}

	c.logger.Info("Guard consumer started",
		zap.String("speech_topic", c.config.Guard.Topics.Speech),
		zap.String("location_topic", c.config.Guard.Topics.Location),
		zap.String("request_topic", c.config.Guard.Topics.Request),
		zap.String("call_topic", c.config.Guard.Topics.Call),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *GuardConsumer) Stop(ctx context.Context) error {
	topics := []string{
		c.config.Guard.Topics.Speech,
		c.config.Guard.Topics.Location,
		c.config.Guard.Topics.Request,
		c.config.Guard.Topics.Call,
	}
	if err := c.mqttClient.Unsubscribe(topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("Guard consumer stopped")
	return nil
}

// handleSpeechMessage 处理语音事件消息
func (c *GuardConsumer) handleSpeechMessage(ctx context.Context) mqttutil.MessageHandler {
	return func(topic string, payload []byte) error {
		homeID, err := homeIDFromTopic(topic)
		if err != nil {
			return err
		}

		var sc models.SignalContext
		if err := json.Unmarshal(payload, &sc); err != nil {
			return fmt.Errorf("failed to unmarshal speech event: %w", err)
		}

		c.handler.HandleSpeech(ctx, homeID, &sc)
		return nil
	}
}

// handleLocationMessage 处理位置更新消息
func (c *GuardConsumer) handleLocationMessage(ctx context.Context) mqttutil.MessageHandler {
	return func(topic string, payload []byte) error {
		homeID, err := homeIDFromTopic(topic)
		if err != nil {
			return err
		}

		var pos models.Position
		if err := json.Unmarshal(payload, &pos); err != nil {
			return fmt.Errorf("failed to unmarshal location event: %w", err)
		}

		c.handler.HandleLocation(ctx, homeID, pos)
		return nil
	}
}

// handleRequestMessage 处理意图请求消息
func (c *GuardConsumer) handleRequestMessage(ctx context.Context) mqttutil.MessageHandler {
	return func(topic string, payload []byte) error {
		homeID, err := homeIDFromTopic(topic)
		if err != nil {
			return err
		}

		var env RequestEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("failed to unmarshal request envelope: %w", err)
		}
		if env.Request == nil {
			return fmt.Errorf("request envelope missing request")
		}

		c.handler.HandleRequest(ctx, homeID, env.Request, env.Signal)
		return nil
	}
}

// handleCallMessage 处理拨打状态回报消息
func (c *GuardConsumer) handleCallMessage(ctx context.Context) mqttutil.MessageHandler {
	return func(topic string, payload []byte) error {
		homeID, err := homeIDFromTopic(topic)
		if err != nil {
			return err
		}

		var event CallStatusEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to unmarshal call status event: %w", err)
		}

		c.handler.HandleCallStatus(ctx, homeID, event.IncidentID, event.ContactID, event.Status)
		return nil
	}
}

// homeIDFromTopic 从主题中提取家庭ID
// 主题格式: guard/{home_id}/<kind>
func homeIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}

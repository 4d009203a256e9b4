// Package validator 远程校验器客户端
//
// 远程校验器是独立计算第二路决策的协作方，本客户端只负责请求/响应搬运。
// 网络或远端错误以 error 形式上抛，调用方据此退回仅用本地决策（更保守的一侧）。
package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// ValidateRequest 校验请求体
type ValidateRequest struct {
	Request *models.GuardRequest `json:"request"`
	Context *models.EvalContext  `json:"context"`
}

// ValidateResponse 校验响应体
type ValidateResponse struct {
	Status   int              `json:"status"`
	Msg      string           `json:"msg"`
	Decision *models.Decision `json:"decision"`
}

// Client 远程校验器 HTTP 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建校验器客户端
// 超时必须远小于关键路径预算，超时后走本地降级而不是拖垮整条链路
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// Validate 请求远程校验器给出第二路决策
func (c *Client) Validate(ctx context.Context, req *models.GuardRequest, evalCtx *models.EvalContext) (*models.Decision, error) {
	var response ValidateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(&ValidateRequest{Request: req, Context: evalCtx}).
		SetResult(&response).
		Post("/v1/validate")

	if err != nil {
		return nil, fmt.Errorf("failed to call validator: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("validator returned status %d", resp.StatusCode())
	}

	if response.Status != 0 {
		return nil, fmt.Errorf("validator error: %s (status: %d)", response.Msg, response.Status)
	}

	if response.Decision == nil {
		return nil, fmt.Errorf("validator returned empty decision")
	}

	decision := response.Decision
	if decision.Audit.Source == "" {
		decision.Audit.Source = "remote"
	}

	c.logger.Debug("Remote validation completed",
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("confidence", decision.Confidence),
	)

	return decision, nil
}

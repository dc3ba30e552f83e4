package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
)

// Transport 传输协作方
// 对管线而言传输是不透明的：连接池、TLS、HTTP 语义都封装在实现内部，
// 管线只关心"发送字节，得到结果分类"
type Transport interface {
	// Send 发送一份批次负载并分类结果
	Send(ctx context.Context, payload []byte) batch.Outcome
}

// TransportFunc 函数式 Transport
type TransportFunc func(ctx context.Context, payload []byte) batch.Outcome

// Send 实现 Transport 接口
func (f TransportFunc) Send(ctx context.Context, payload []byte) batch.Outcome {
	return f(ctx, payload)
}

// HTTPTransport HTTP 采集端传输
// 结果分类：
//   - 2xx → delivered
//   - 408 / 429 / 5xx / 网络错误 → retryable（瞬时失败）
//   - 其余 4xx → rejected（负载被永久拒绝：格式非法、过大或未授权）
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewHTTPTransport 创建 HTTP 传输
func NewHTTPTransport(endpoint, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Send 实现 Transport 接口
func (t *HTTPTransport) Send(ctx context.Context, payload []byte) batch.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		logger.Error("failed to build upload request", "endpoint", t.endpoint, "error", err)
		return batch.OutcomeRejected
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-Api-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		logger.Debug("upload request failed", "endpoint", t.endpoint, "error", err)
		return batch.OutcomeRetryable
	}
	// 排空响应体以复用连接
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

// classifyStatus HTTP 状态码到上传结果的映射
func classifyStatus(status int) batch.Outcome {
	switch {
	case status >= 200 && status < 300:
		return batch.OutcomeDelivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return batch.OutcomeRetryable
	case status >= 500:
		return batch.OutcomeRetryable
	default:
		return batch.OutcomeRejected
	}
}

// Validate 传输配置自检
func (t *HTTPTransport) Validate() error {
	if t.endpoint == "" {
		return fmt.Errorf("transport endpoint must not be empty")
	}
	return nil
}

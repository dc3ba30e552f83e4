package upload

import (
	"time"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/appcontext"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	jxtjson "github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/json"
)

// Envelope 上传负载包络
// 一个批次对应一次上传；包络携带发送时刻的上下文快照，
// 采集端据此还原事件产生时的环境信息
type Envelope struct {
	// Source 产生事件的 Feature 名称
	Source string `json:"source"`

	// BatchID 批次标识（采集端幂等去重用）
	BatchID string `json:"batch_id"`

	// SentAt 发送时间
	SentAt time.Time `json:"sent_at"`

	// Context 发送时刻的上下文快照
	Context *appcontext.Snapshot `json:"context,omitempty"`

	// Events 批次内全部事件，保持追加顺序
	// 事件负载由 Feature 侧序列化为 JSON，对管线不透明
	Events []jxtjson.RawMessage `json:"events"`
}

// buildEnvelope 从批次事件组装上传负载
func buildEnvelope(source, batchID string, events []batch.Event, snap *appcontext.Snapshot) ([]byte, error) {
	env := &Envelope{
		Source:  source,
		BatchID: batchID,
		SentAt:  time.Now(),
		Context: snap,
		Events:  make([]jxtjson.RawMessage, 0, len(events)),
	}
	for _, ev := range events {
		env.Events = append(env.Events, jxtjson.RawMessage(ev.Data))
	}
	return jxtjson.Marshal(env)
}

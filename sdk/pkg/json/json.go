package json

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON 统一的 jsoniter 配置实例
// 使用 ConfigCompatibleWithStandardLibrary 确保与标准库完全兼容
//
// jxt-telemetry 所有需要 JSON 序列化的组件都应该使用这个统一实例，包括：
// - storage: 批次元数据（.meta 边车文件）序列化
// - upload: 上传负载包络序列化
// - appcontext: 上下文快照导出
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage 原始 JSON 消息
// 与标准库 json.RawMessage 兼容，延迟解析负载内容
type RawMessage = jsoniter.RawMessage

// Marshal 序列化对象为 JSON 字节数组
// 兼容标准库 json.Marshal 接口
func Marshal(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// Unmarshal 从 JSON 字节数组反序列化对象
// 兼容标准库 json.Unmarshal 接口
func Unmarshal(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}

// MarshalIndent 序列化对象为带缩进的 JSON（用于调试输出）
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return JSON.MarshalIndent(v, prefix, indent)
}

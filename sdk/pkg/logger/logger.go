package logger

import (
	"go.uber.org/zap"
)

/*
使用 zap.Logger: 如果对性能要求很高，或者日志需要被机器解析（结构化日志），
那么使用 zap.Logger 是更好的选择。
使用 zap.SugaredLogger: 如果更关注开发的便利性，或者日志记录需求相对简单，
zap.SugaredLogger 提供了更友好的接口。
*/

var (
	Logger        *zap.Logger        //全局ZapLogger打印
	DefaultLogger *zap.SugaredLogger //全局SugarLogger打印，用于简易打印
)

// 未调用 Setup 时使用空logger，保证嵌入方在初始化前调用也不会panic
func init() {
	Logger = zap.NewNop()
	DefaultLogger = Logger.Sugar()
}

// ForFeature 返回绑定了 feature 字段的子 logger
// 管线内各 Feature 的存储/上传组件用它输出日志，便于按 Feature 过滤
func ForFeature(name string) *zap.Logger {
	if Logger == nil {
		return zap.NewNop()
	}
	return Logger.With(zap.String("feature", name))
}

func Info(args ...interface{}) {
	DefaultLogger.Info(args...)
}

func Infof(template string, args ...interface{}) {
	DefaultLogger.Infof(template, args...)
}

func Debug(args ...interface{}) {
	DefaultLogger.Debug(args...)
}

func Debugf(template string, args ...interface{}) {
	DefaultLogger.Debugf(template, args...)
}

func Warn(args ...interface{}) {
	DefaultLogger.Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	DefaultLogger.Warnf(template, args...)
}

func Error(args ...interface{}) {
	DefaultLogger.Error(args...)
}

func Errorf(template string, args ...interface{}) {
	DefaultLogger.Errorf(template, args...)
}

func Fatal(args ...interface{}) {
	DefaultLogger.Fatal(args...)
}

func Fatalf(template string, args ...interface{}) {
	DefaultLogger.Fatalf(template, args...)
}

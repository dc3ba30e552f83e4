package config

// Application 宿主应用配置
// 这些字段会进入每个上下文快照，并随上传负载一起发送到采集端
type Application struct {
	AppID          string `mapstructure:"appid" json:"appid"`                   // 应用标识
	Name           string `mapstructure:"name" json:"name"`                     // 应用名称
	Env            string `mapstructure:"env" json:"env"`                       // 运行环境（prod/staging/dev）
	ServiceVersion string `mapstructure:"serviceversion" json:"serviceversion"` // 宿主应用版本
}

var ApplicationConfig = new(Application)

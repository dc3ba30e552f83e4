package config

// Consent 同意门初始状态配置
type Consent struct {
	// Initial 初始同意状态：granted、pending、denied
	Initial string `mapstructure:"initial" json:"initial"`

	// MaxPending pending 状态下最多暂存多少条写入
	MaxPending int `mapstructure:"maxpending" json:"maxpending"`
}

var ConsentConfig = &Consent{
	Initial:    "pending",
	MaxPending: 1024,
}

// Storage 批次存储配置（每个 Feature 一个目录）
type Storage struct {
	// Root 存储根目录，每个 Feature 在其下建立独立子目录
	Root string `mapstructure:"root" json:"root"`

	// MaxBatchSize 单个批次最大字节数
	MaxBatchSize int64 `mapstructure:"maxbatchsize" json:"maxbatchsize"`

	// MaxBatchEvents 单个批次最大事件数
	MaxBatchEvents int `mapstructure:"maxbatchevents" json:"maxbatchevents"`

	// MaxBatchAgeSeconds 批次最长保持打开的秒数
	MaxBatchAgeSeconds int `mapstructure:"maxbatchageseconds" json:"maxbatchageseconds"`

	// MaxStorageSize 单个 Feature 存储总量上限（字节），超出后最旧批次被逐出
	MaxStorageSize int64 `mapstructure:"maxstoragesize" json:"maxstoragesize"`
}

var StorageConfig = new(Storage)

// Upload 上传调度配置
type Upload struct {
	// MinIntervalSeconds 调度间隔下限（秒）
	MinIntervalSeconds int `mapstructure:"minintervalseconds" json:"minintervalseconds"`

	// MaxIntervalSeconds 调度间隔上限（秒）
	MaxIntervalSeconds int `mapstructure:"maxintervalseconds" json:"maxintervalseconds"`

	// MaxAttempts 单个批次最大上传尝试次数
	MaxAttempts int `mapstructure:"maxattempts" json:"maxattempts"`

	// RatePerSecond 上传尝试速率上限（次/秒，0 表示不限制）
	RatePerSecond float64 `mapstructure:"ratepersecond" json:"ratepersecond"`
}

var UploadConfig = new(Upload)

// Transport 采集端传输配置
type Transport struct {
	// Endpoint 采集端 URL
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`

	// APIKey 鉴权头的值
	APIKey string `mapstructure:"apikey" json:"apikey"`

	// TimeoutSeconds 单次请求超时（秒）
	TimeoutSeconds int `mapstructure:"timeoutseconds" json:"timeoutseconds"`
}

var TransportConfig = new(Transport)

// FeatureConfig 单个 Feature 的注册配置
type FeatureConfig struct {
	// Name Feature 名称（进程内唯一）
	Name string `mapstructure:"name" json:"name"`

	// Endpoint Feature 专属采集端 URL（为空时使用全局 Transport.Endpoint）
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
}

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config 顶层配置结构
type Config struct {
	Application *Application    `mapstructure:"application"`
	Logger      *Logger         `mapstructure:"logger"`
	Consent     *Consent        `mapstructure:"consent"`
	Storage     *Storage        `mapstructure:"storage"`
	Upload      *Upload         `mapstructure:"upload"`
	Transport   *Transport      `mapstructure:"transport"`
	Features    []FeatureConfig `mapstructure:"features"`
}

var AppConfig = &Config{
	Application: ApplicationConfig,
	Logger:      LoggerConfig,
	Consent:     ConsentConfig,
	Storage:     StorageConfig,
	Upload:      UploadConfig,
	Transport:   TransportConfig,
}

// Setup 读取并解析配置文件
func Setup(configYml string) error {
	v := viper.New()
	v.SetConfigFile(configYml)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configYml, err)
	}

	// 映射到AppConfig
	if err := v.Unmarshal(AppConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config file %s: %w", configYml, err)
	}

	return nil
}

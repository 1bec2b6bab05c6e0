package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 调试控制器的配置
type Config struct {
	Port       int              `mapstructure:"port"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	SourcePath SourcePathConfig `mapstructure:"sourcepath"`
	Target     TargetConfig     `mapstructure:"target"`
	Session    SessionConfig    `mapstructure:"session"`
}

type LogConfig struct {
	// Path 为空时输出到标准错误
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Addr 为空时不启动指标服务
	Addr string `mapstructure:"addr"`
}

// SourcePathConfig 源文件搜索路径，按顺序查找，支持通配符
type SourcePathConfig struct {
	Dirs      []string `mapstructure:"dirs"`
	Extension string   `mapstructure:"extension"`
}

type TargetConfig struct {
	Mode    constants.TargetMode `mapstructure:"mode"`
	Address string               `mapstructure:"address"`
	Command []string             `mapstructure:"command"`
	// Request launch 或 attach
	Request   string                 `mapstructure:"request"`
	Arguments map[string]interface{} `mapstructure:"arguments"`
	// Scenario 模拟目标的场景文件
	Scenario string        `mapstructure:"scenario"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	// IdleTimeout 会话空闲超过该时间后断开
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

// ArgumentsJSON launch/attach参数
func (t *TargetConfig) ArgumentsJSON() (json.RawMessage, error) {
	if len(t.Arguments) == 0 {
		return nil, nil
	}
	return json.Marshal(t.Arguments)
}

// Loader 读取配置并监听配置文件的变化
type Loader struct {
	v *viper.Viper

	lock    sync.RWMutex
	current *Config
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetDefault("port", 8889)
	v.SetDefault("log.level", "info")
	v.SetDefault("sourcepath.extension", ".java")
	v.SetDefault("target.mode", string(constants.SimTarget))
	v.SetDefault("target.request", "launch")
	v.SetDefault("target.timeout", 10*time.Second)
	v.SetDefault("session.idleTimeout", 30*time.Minute)
	v.SetEnvPrefix("DEBUGCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper 用于绑定命令行参数
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load 读取配置文件，path为空时在当前目录查找debugctl.yaml
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("debugctl")
		l.v.AddConfigPath(".")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logrus.Infof("[config] no config file, use defaults")
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.lock.Lock()
	l.current = cfg
	l.lock.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Target.Mode {
	case constants.DapTarget:
		if c.Target.Address == "" && len(c.Target.Command) == 0 {
			return fmt.Errorf("target.address or target.command is required in dap mode")
		}
	case constants.SimTarget:
		if c.Target.Scenario == "" {
			return fmt.Errorf("target.scenario is required in sim mode")
		}
	default:
		return fmt.Errorf("unknown target.mode %q", c.Target.Mode)
	}
	if c.Target.Request != "launch" && c.Target.Request != "attach" {
		return fmt.Errorf("unknown target.request %q", c.Target.Request)
	}
	return nil
}

// Current 最近一次成功读取的配置
func (l *Loader) Current() *Config {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.current
}

// Watch 配置文件变化时重新读取，读取失败时保留原来的配置
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		logrus.Infof("[config] %s changed", event.Name)
		cfg, err := l.decode()
		if err != nil {
			logrus.Warnf("[config] reload fail, err = %v", err)
			return
		}
		l.lock.Lock()
		l.current = cfg
		l.lock.Unlock()
		onChange(cfg)
	})
	l.v.WatchConfig()
}

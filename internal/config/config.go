package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 OpenSouk 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig      `json:"server"`
	Metrics    MetricsConfig     `json:"metrics"`
	Logging    LoggingConfig     `json:"logging"`
	Auth       AuthConfig        `json:"auth"`
	Storage    StorageConfig     `json:"storage"`
	Bus        BusConfig         `json:"bus"`
	Task       TaskConfig        `json:"task"`
	Certify    CertifyConfig     `json:"certify"`
	Authority  AuthorityConfig   `json:"authority"`
	Agents     []AgentConfig     `json:"agents"`
	Web3       Web3Config        `json:"web3"`
	Alerting   AlertingConfig    `json:"alerting"`
	Extensions []ExtensionConfig `json:"extensions"`
	Runtime    RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LoggingConfig 描述日志输出方式，映射到 pkg/logger。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志的落盘与轮转策略。
type AuditConfig struct {
	Path       string `json:"path"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AuthConfig 描述身份认证方式。
type AuthConfig struct {
	Mode  string      `json:"mode"`
	Store string      `json:"store"`
	JWT   JWTConfig   `json:"jwt"`
	OAuth OAuthConfig `json:"oauth"`
	Seeds []AuthSeed  `json:"seeds"`
}

// JWTConfig 是本地 JWT 签发参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl"`
	RefreshTTL int64    `json:"refresh_ttl"`
}

// OAuthConfig 是委托给外部 OAuth2 提供者时的参数。
type OAuthConfig struct {
	TokenURL         string   `json:"token_url"`
	IntrospectionURL string   `json:"introspection_url"`
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	Scopes           []string `json:"scopes"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	UsernameClaim    string   `json:"username_claim"`
}

// AuthSeed 定义启动时写入的账号。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// StorageConfig 统一描述 MySQL、Redis 连接与各领域存储的驱动选择。
type StorageConfig struct {
	MySQL   MySQLConfig  `json:"mysql"`
	Redis   RedisConfig  `json:"redis"`
	Market  DriverConfig `json:"market"`
	Certify DriverConfig `json:"certify"`
	Task    DriverConfig `json:"task"`
}

// MySQLConfig 描述共享的 MySQL 连接池。
type MySQLConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_minutes"`
}

// RedisConfig 描述共享的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DriverConfig 选择某个领域存储的实现。
type DriverConfig struct {
	Driver string `json:"driver"`
}

// BusConfig 选择代理消息总线的实现。
type BusConfig struct {
	Driver       string `json:"driver"`
	StreamPrefix string `json:"stream_prefix"`
	MaxStreamLen int64  `json:"max_stream_len"`
}

// TaskConfig 控制任务子系统。
type TaskConfig struct {
	Queue                  QueueConfig     `json:"queue"`
	MaxRetries             int             `json:"max_retries"`
	DispatchTimeoutSeconds int             `json:"dispatch_timeout_seconds"`
	Allocator              AllocatorConfig `json:"allocator"`
}

// QueueConfig 选择任务队列的实现。
type QueueConfig struct {
	Driver  string `json:"driver"`
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	AMQPURL string `json:"amqp_url"`
}

// AllocatorConfig 控制任务分配策略与失败隔离。
type AllocatorConfig struct {
	Strategy                string `json:"strategy"`
	FailureThreshold        int    `json:"failure_threshold"`
	QuarantineSeconds       int    `json:"quarantine_seconds"`
	HeartbeatTimeoutSeconds int    `json:"heartbeat_timeout_seconds"`
}

// CertifyConfig 控制认证子系统。
type CertifyConfig struct {
	Rulebook             string `json:"rulebook"`
	DefaultQuorum        int    `json:"default_quorum"`
	ValidityDays         int    `json:"validity_days"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
}

// AuthorityConfig 描述认证机构注册表的访问方式。
type AuthorityConfig struct {
	Mode           string `json:"mode"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// AgentConfig 定义一个需要在守护进程内启动的智能体。
// 能力列表由各角色的实现自行声明，配置层不重复描述。
type AgentConfig struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Address string `json:"address"`
	// Budget 仅买家使用，单笔成交可接受的最高总价。
	Budget int64 `json:"budget,omitempty"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	SoukContract string `json:"souk_contract"`
	PrivateKey   string `json:"private_key"`
}

// AlertingConfig 描述告警通知渠道。未配置的渠道会被跳过。
type AlertingConfig struct {
	DingTalkWebhook string   `json:"dingtalk_webhook"`
	DingTalkSecret  string   `json:"dingtalk_secret"`
	SlackWebhook    string   `json:"slack_webhook"`
	SlackChannel    string   `json:"slack_channel"`
	SMTPAddr        string   `json:"smtp_addr"`
	SMTPUsername    string   `json:"smtp_username"`
	SMTPPassword    string   `json:"smtp_password"`
	EmailFrom       string   `json:"email_from"`
	EmailRecipients []string `json:"email_recipients"`
}

// ExtensionConfig 定义一个由扩展宿主加载的扩展。
type ExtensionConfig struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	Enabled bool              `json:"enabled"`
	Grants  []string          `json:"grants"`
	Options map[string]string `json:"options"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，
// 并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}

	if c.Storage.Market.Driver == "" {
		c.Storage.Market.Driver = "memory"
	}
	if c.Storage.Certify.Driver == "" {
		c.Storage.Certify.Driver = "memory"
	}
	if c.Storage.Task.Driver == "" {
		c.Storage.Task.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 16
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 4
	}
	if c.Storage.MySQL.ConnMaxLifetime <= 0 {
		c.Storage.MySQL.ConnMaxLifetime = 30
	}
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "127.0.0.1:6379"
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}

	if c.Task.Queue.Driver == "" {
		c.Task.Queue.Driver = "memory"
	}
	if c.Task.Queue.Name == "" {
		c.Task.Queue.Name = "souk:tasks"
	}
	if c.Task.Queue.Workers <= 0 {
		c.Task.Queue.Workers = 4
	}
	if c.Task.MaxRetries <= 0 {
		c.Task.MaxRetries = 3
	}
	if c.Task.DispatchTimeoutSeconds <= 0 {
		c.Task.DispatchTimeoutSeconds = 30
	}
	if c.Task.Allocator.Strategy == "" {
		c.Task.Allocator.Strategy = "round_robin"
	}
	if c.Task.Allocator.FailureThreshold <= 0 {
		c.Task.Allocator.FailureThreshold = 3
	}
	if c.Task.Allocator.QuarantineSeconds <= 0 {
		c.Task.Allocator.QuarantineSeconds = 60
	}
	if c.Task.Allocator.HeartbeatTimeoutSeconds <= 0 {
		c.Task.Allocator.HeartbeatTimeoutSeconds = 45
	}

	c.Certify.Rulebook = resolvePath(baseDir, c.Certify.Rulebook)
	if c.Certify.DefaultQuorum <= 0 {
		c.Certify.DefaultQuorum = 2
	}
	if c.Certify.ValidityDays <= 0 {
		c.Certify.ValidityDays = 365
	}
	if c.Certify.SweepIntervalSeconds <= 0 {
		c.Certify.SweepIntervalSeconds = 300
	}

	if c.Authority.Mode == "" {
		c.Authority.Mode = "static"
	}
	if c.Authority.TimeoutSeconds <= 0 {
		c.Authority.TimeoutSeconds = 10
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	for i := range c.Extensions {
		c.Extensions[i].Path = resolvePath(baseDir, c.Extensions[i].Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置
	Database DatabaseConfig `mapstructure:"database"` // PostgreSQL配置
	Chain    ChainConfig    `mapstructure:"chain"`    // 链上接入配置
	Sync     SyncConfig     `mapstructure:"sync"`     // 同步调度配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// DatabaseConfig PostgreSQL数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
}

// ChainConfig 链上接入配置
type ChainConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`             // RPC地址（ws:// 才能订阅）
	BetMarketAddress  string        `mapstructure:"bet_market_address"`  // BetMarket 合约地址
	GatewayAddress    string        `mapstructure:"gateway_address"`     // FHE 解密网关合约地址（可空：空则仅靠链上已公开值）
	CallTimeout       time.Duration `mapstructure:"call_timeout"`        // 单次链上调用超时
	MaxRetries        int           `mapstructure:"max_retries"`         // 链上读重试次数上限
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`       // 重试初始退避
	BackfillBatchSize uint64        `mapstructure:"backfill_batch_size"` // 回填每批区块数
}

// SyncConfig 同步调度配置
type SyncConfig struct {
	SweepCron    string        `mapstructure:"sweep_cron"`    // 镜像巡检Cron表达式
	DecryptCron  string        `mapstructure:"decrypt_cron"`  // 解密巡检Cron表达式
	SweepLimit   int           `mapstructure:"sweep_limit"`   // 单次巡检最多处理的市场数
	DecryptBatch int           `mapstructure:"decrypt_batch"` // 单次解密批大小（保护网关不被打爆）
	SweepBackoff time.Duration `mapstructure:"sweep_backoff"` // 巡检内逐个市场之间的间隔（尊重RPC限流）
}

// LoadConfig 加载配置文件（config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig() (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	viper.SetTypeByDefaultValue(true)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(&cfg)

	// 4. 缺省兜底
	applyDefaults(&cfg)
	return &cfg, nil
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("BET_MARKET_ADDRESS"); v != "" {
		cfg.Chain.BetMarketAddress = v
	}
	if v := os.Getenv("FHE_GATEWAY_ADDRESS"); v != "" {
		cfg.Chain.GatewayAddress = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.CallTimeout <= 0 {
		cfg.Chain.CallTimeout = 10 * time.Second
	}
	if cfg.Chain.MaxRetries <= 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.RetryBackoff <= 0 {
		cfg.Chain.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Chain.BackfillBatchSize == 0 {
		cfg.Chain.BackfillBatchSize = 2000
	}
	if cfg.Sync.SweepCron == "" {
		cfg.Sync.SweepCron = "@every 1m"
	}
	if cfg.Sync.DecryptCron == "" {
		cfg.Sync.DecryptCron = "@every 30s"
	}
	if cfg.Sync.SweepLimit <= 0 {
		cfg.Sync.SweepLimit = 200
	}
	if cfg.Sync.DecryptBatch <= 0 {
		cfg.Sync.DecryptBatch = 50
	}
}

// Validate 启动期硬校验：合约地址与DSN缺失属于致命配置错误，直接拒绝启动
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn 必填")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url 必填")
	}
	if c.Chain.BetMarketAddress == "" {
		return fmt.Errorf("chain.bet_market_address 必填")
	}
	return nil
}

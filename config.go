package coap

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/ironzhang/coaptcp/internal/stack/blockwise"
)

// Config 块传输运行参数, 可经环境变量加载.
type Config struct {
	// 单个BERT块中1024字节子块的数量, 大于1时启用BERT发送
	BulkBlocks int `envconfig:"TCP_NUMBER_OF_BULK_BLOCKS" default:"1"`

	// 非BERT传输的首选块大小, 16/32/64/128/256/512/1024之一
	PreferredBlockSize uint32 `envconfig:"PREFERRED_BLOCK_SIZE" default:"512"`

	// 超过该大小的消息体触发块传输
	MaxMessageSize uint32 `envconfig:"MAX_MESSAGE_SIZE" default:"1152"`

	// 组装缓冲上限
	MaxResourceBodySize int `envconfig:"MAX_RESOURCE_BODY_SIZE" default:"8192"`

	// 传输状态的回收期限, 毫秒
	BlockwiseStatusLifetime int `envconfig:"BLOCKWISE_STATUS_LIFETIME" default:"30000"`
}

// LoadConfig 从环境变量加载配置.
func LoadConfig() (Config, error) {
	var c Config
	err := envconfig.Process("", &c)
	return c, err
}

// DefaultConfig 默认配置.
func DefaultConfig() Config {
	return Config{
		BulkBlocks:              1,
		PreferredBlockSize:      512,
		MaxMessageSize:          1152,
		MaxResourceBodySize:     8192,
		BlockwiseStatusLifetime: 30000,
	}
}

func (c Config) blockwiseConfig() blockwise.Config {
	return blockwise.Config{
		BulkBlocks:          c.BulkBlocks,
		PreferredBlockSize:  c.PreferredBlockSize,
		MaxMessageSize:      c.MaxMessageSize,
		MaxResourceBodySize: c.MaxResourceBodySize,
		StatusLifetime:      time.Duration(c.BlockwiseStatusLifetime) * time.Millisecond,
	}
}

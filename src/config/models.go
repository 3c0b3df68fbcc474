package config

import (
	"github.com/sandrolain/iot-gateway/src/docstore"
	"github.com/sandrolain/iot-gateway/src/forward"
	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
	"github.com/sandrolain/iot-gateway/src/script"
	"github.com/sandrolain/iot-gateway/src/tsdb"
)

type EnvConfig struct {
	ConfigFilePath string `env:"IG_CONFIG_FILE_PATH" envDefault:"/etc/iot-gateway/config.yaml" validate:"omitempty,filepath"`
	// Optional: raw configuration content (YAML or JSON). If set, it takes precedence over ConfigFilePath.
	ConfigContent string `env:"IG_CONFIG_CONTENT" validate:"omitempty"`
	// Optional: explicit config format when using ConfigContent. One of: yaml, yml, json.
	ConfigFormat string `env:"IG_CONFIG_FORMAT" validate:"omitempty,oneof=yaml yml json"`
}

// Config is the full YAML document one gateway node boots from. Influx and
// Mongo are optional blocks: a node without them skips the subsystems that
// need them.
type Config struct {
	Node    models.NodeInfo  `yaml:"node_info" json:"node_info" validate:"required"`
	Redis   kv.Config        `yaml:"redis_config" json:"redis_config" validate:"required"`
	MQ      queue.Config     `yaml:"mq_config" json:"mq_config" validate:"required"`
	Influx  *tsdb.Config     `yaml:"influx_config" json:"influx_config" validate:"omitempty"`
	Mongo   *docstore.Config `yaml:"mongo_config" json:"mongo_config" validate:"omitempty"`
	Forward forward.Config   `yaml:"forward_config" json:"forward_config"`
	Script  script.Config    `yaml:"script_config" json:"script_config"`
}

// framestream/config/config.go
package config

import (
	"fmt"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string `mapstructure:"PORT" validate:"required,numeric"`
	TempDir         string `mapstructure:"TEMP_DIR" validate:"required"`
	ExampleVideoDir string `mapstructure:"EXAMPLE_VIDEO_DIR" validate:"required"`
	ExampleImageDir string `mapstructure:"EXAMPLE_IMAGE_DIR" validate:"required"`

	FFBin      string `mapstructure:"FF_BIN" validate:"required"`
	FFProbeBin string `mapstructure:"FFPROBE_BIN" validate:"required"`
	DecodeArgs string `mapstructure:"DECODE_ARGS"`

	QueueCapacity  int           `mapstructure:"QUEUE_CAPACITY" validate:"min=1"`
	PollTimeout    time.Duration `mapstructure:"POLL_TIMEOUT" validate:"gt=0"`
	StallTimeout   time.Duration `mapstructure:"STALL_TIMEOUT" validate:"gte=0"`
	MaxFrameErrors int           `mapstructure:"MAX_FRAME_ERRORS" validate:"min=1"`
	JPEGQuality    int           `mapstructure:"JPEG_QUALITY" validate:"min=1,max=100"`
	ModelInputSize int           `mapstructure:"MODEL_INPUT_SIZE" validate:"min=32"`
	MaxInputSize   int64         `mapstructure:"MAX_INPUT_SIZE" validate:"gt=0"`

	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL" validate:"gt=0"`
	CleanupAge      time.Duration `mapstructure:"CLEANUP_AGE" validate:"gt=0"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU" validate:"gte=0,lte=100"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM" validate:"gte=0"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK" validate:"gte=0"`

	ProtectedPatterns []string `mapstructure:"PROTECTED_PATTERNS"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=console json"`
}

// IsProtected reports whether a source identified by fileID must survive
// the end of its stream.
func (c *Config) IsProtected(fileID string) bool {
	for _, pattern := range c.ProtectedPatterns {
		if ok, err := path.Match(pattern, fileID); err == nil && ok {
			return true
		}
	}
	return false
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("TEMP_DIR", "./tmp")
	vp.SetDefault("EXAMPLE_VIDEO_DIR", "./static/video-examples")
	vp.SetDefault("EXAMPLE_IMAGE_DIR", "./static/image-examples")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("DECODE_ARGS", "")
	vp.SetDefault("QUEUE_CAPACITY", 16)
	vp.SetDefault("POLL_TIMEOUT", "3s")
	vp.SetDefault("STALL_TIMEOUT", "5m")
	vp.SetDefault("MAX_FRAME_ERRORS", 25)
	vp.SetDefault("JPEG_QUALITY", 85)
	vp.SetDefault("MODEL_INPUT_SIZE", 640)
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("CLEANUP_INTERVAL", "1h")
	vp.SetDefault("CLEANUP_AGE", "1h")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("PROTECTED_PATTERNS", "example_*,example-*")
	vp.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:8000,http://localhost:5000")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")

	vp.SetConfigName("framestream_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/framestream/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FRAMESTREAM")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}
	cfg.ProtectedPatterns = trimList(cfg.ProtectedPatterns)
	cfg.CORSOrigins = trimList(cfg.CORSOrigins)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints declared in the struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

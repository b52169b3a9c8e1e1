package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const appName = "arcadecast"

var v *viper.Viper

func init() {
	// .env is optional; process environment wins over it
	_ = godotenv.Load()

	v = newViper()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.addr", ":8888")
	v.SetDefault("server.max_sessions", 4)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.proxy_protocol", false)

	v.SetDefault("stream.profile", "mjpeg")
	v.SetDefault("stream.width", 640)
	v.SetDefault("stream.height", 480)
	v.SetDefault("stream.fps", 15)
	v.SetDefault("stream.flush_interval", 70*time.Millisecond)
	v.SetDefault("stream.max_segment_bytes", 4<<20)
	v.SetDefault("stream.jpeg_quality", 60)

	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 1)

	v.SetDefault("pacing.pause_gap", 500*time.Millisecond)
	v.SetDefault("pacing.ping_interval", 2000*time.Millisecond)

	v.SetDefault("machine.programs", []string{"testpattern"})
	v.SetDefault("machine.width", 320)
	v.SetDefault("machine.height", 240)
	v.SetDefault("machine.sample_rate", 48000)
	v.SetDefault("machine.channels", 2)
	v.SetDefault("machine.max_players", 4)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("log.verbose", false)

	// Environment variables: ARCADECAST_STREAM_PROFILE etc.
	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("ffmpeg.path", "ARCADECAST_FFMPEG_PATH", "FFMPEG_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, appName),
		"/etc/" + appName,
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

// Load reads an explicit config file, replacing the search path lookup.
func Load(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// LoadDotEnv loads extra .env files into the process environment.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// BindFlag makes a command line flag override the config key.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return errors.Errorf("no flag for %s", key)
	}
	return v.BindPFlag(key, flag)
}

// ConfigFileUsed returns the config file that was read, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr          string
	MaxSessions   int
	WriteTimeout  time.Duration
	ProxyProtocol bool
}

// StreamConfig is the output profile shared by all sessions.
type StreamConfig struct {
	Profile         string
	Width           int
	Height          int
	FPS             int
	FlushInterval   time.Duration
	MaxSegmentBytes int
	JPEGQuality     int
	SampleRate      int
	Channels        int
	FFmpegPath      string
}

// PacingConfig holds the ping/pong timing.
type PacingConfig struct {
	PauseGap     time.Duration
	PingInterval time.Duration
}

// MachineConfig describes the machines the server can open.
type MachineConfig struct {
	Programs   []string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	MaxPlayers int
}

// Server returns the listener settings
func Server() ServerConfig {
	return ServerConfig{
		Addr:          v.GetString("server.addr"),
		MaxSessions:   v.GetInt("server.max_sessions"),
		WriteTimeout:  v.GetDuration("server.write_timeout"),
		ProxyProtocol: v.GetBool("server.proxy_protocol"),
	}
}

// Stream returns the output profile
func Stream() StreamConfig {
	return StreamConfig{
		Profile:         v.GetString("stream.profile"),
		Width:           v.GetInt("stream.width"),
		Height:          v.GetInt("stream.height"),
		FPS:             v.GetInt("stream.fps"),
		FlushInterval:   v.GetDuration("stream.flush_interval"),
		MaxSegmentBytes: v.GetInt("stream.max_segment_bytes"),
		JPEGQuality:     v.GetInt("stream.jpeg_quality"),
		SampleRate:      v.GetInt("audio.sample_rate"),
		Channels:        v.GetInt("audio.channels"),
		FFmpegPath:      v.GetString("ffmpeg.path"),
	}
}

// Pacing returns the ping/pong timing
func Pacing() PacingConfig {
	return PacingConfig{
		PauseGap:     v.GetDuration("pacing.pause_gap"),
		PingInterval: v.GetDuration("pacing.ping_interval"),
	}
}

// Machine returns the machine settings
func Machine() MachineConfig {
	return MachineConfig{
		Programs:   v.GetStringSlice("machine.programs"),
		Width:      v.GetInt("machine.width"),
		Height:     v.GetInt("machine.height"),
		SampleRate: v.GetInt("machine.sample_rate"),
		Channels:   v.GetInt("machine.channels"),
		MaxPlayers: v.GetInt("machine.max_players"),
	}
}

// Verbose reports whether debug logging is enabled
func Verbose() bool {
	return v.GetBool("log.verbose")
}

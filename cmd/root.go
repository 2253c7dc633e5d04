package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	archivePath string
	redisURL    string
	logLevel    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "analyzerkit",
	Short: "Run observable analyzers against Cortex-style jobs",
	Long: `analyzerkit runs analyzers against observables (IP addresses, domains,
hashes, URLs, mail addresses, files) described by a job, and writes one
report envelope per job.

Features:
- Built-in Whois, GeoIP, MISP, OpenCTI and FileInfo analyzers
- Job directories (input/input.json, output/output.json) or stdin/stdout
- Automatic extraction of observables from reports as artifacts
- SQLite report archive with full-text search
- Redis cache and report stream when Redis is configured`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.analyzerkit.yaml)")
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive", "./data/analyzerkit.db", "SQLite report archive path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL (cache and report stream)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, error)")

	viper.BindPFlag("archive.path", rootCmd.PersistentFlags().Lookup("archive"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig loads .env, then the config file, then ANALYZERKIT_* variables.
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".analyzerkit")
	}

	viper.SetEnvPrefix("analyzerkit")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	viper.SetDefault("archive.path", "./data/analyzerkit.db")
	viper.SetDefault("archive.enabled", true)
	viper.SetDefault("redis.url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("job.directory", "")
	viper.SetDefault("output.dir", "")
	viper.SetDefault("cache.ttl", time.Hour)
	viper.SetDefault("cache.size", 1000)
	viper.SetDefault("run.parallel", 4)
}

// GetConfig returns the current configuration values
func GetConfig() Config {
	return Config{
		Archive: ArchiveConfig{
			Path:    viper.GetString("archive.path"),
			Enabled: viper.GetBool("archive.enabled"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("redis.url"),
		},
		Log: LogConfig{
			Level: strings.ToLower(viper.GetString("log.level")),
		},
		Job: JobConfig{
			Directory: viper.GetString("job.directory"),
			OutputDir: viper.GetString("output.dir"),
			Parallel:  viper.GetInt("run.parallel"),
		},
		Cache: CacheConfig{
			TTL:  viper.GetDuration("cache.ttl"),
			Size: viper.GetInt("cache.size"),
		},
	}
}

// AnalyzerConfig returns the base config section for an analyzer, from
// analyzers.<name> in the config file. Keys are matched case-insensitively.
func AnalyzerConfig(name string) map[string]interface{} {
	section := viper.GetStringMap("analyzers." + strings.ToLower(name))
	if len(section) == 0 {
		return nil
	}
	return section
}

// Config represents the application configuration
type Config struct {
	Archive ArchiveConfig `mapstructure:"archive"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
	Job     JobConfig     `mapstructure:"job"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

type ArchiveConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type JobConfig struct {
	Directory string `mapstructure:"directory"`
	OutputDir string `mapstructure:"output_dir"`
	Parallel  int    `mapstructure:"parallel"`
}

type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

// newLogger returns a stderr logger prefixed with the component name.
// "error" silences it; "debug" adds file and line.
func newLogger(component, level string) *log.Logger {
	switch level {
	case "error":
		return log.New(io.Discard, "", 0)
	case "debug":
		return log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lshortfile)
	default:
		return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
	}
}

// resolvePath makes p absolute against the working directory.
func resolvePath(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return p
	}
	return filepath.Join(wd, p)
}

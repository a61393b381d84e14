package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	ML struct {
		ModelsDir      string  `yaml:"models_dir"`
		OutbreakModel  string  `yaml:"outbreak_model"`
		MaxTreeDepth   int     `yaml:"max_tree_depth"`
		NEstimators    int     `yaml:"n_estimators"`
		LearningRate   float64 `yaml:"learning_rate"`
		Seed           int64   `yaml:"seed"`
		TestRatio      float64 `yaml:"test_ratio"`
		BackgroundSize int     `yaml:"background_size"`
		CacheSize      int     `yaml:"cache_size"`
	} `yaml:"ml"`
	Anomaly struct {
		NEstimators   int     `yaml:"n_estimators"`
		Contamination float64 `yaml:"contamination"`
	} `yaml:"anomaly"`
	RiskMap struct {
		Output string  `yaml:"output"`
		Width  float64 `yaml:"width"`
		Height float64 `yaml:"height"`
	} `yaml:"riskmap"`
	Monitoring struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		Window          time.Duration `yaml:"window"`
		ReportThreshold int           `yaml:"report_threshold"`
		MinPH           float64       `yaml:"min_ph"`
		MaxTurbidity    float64       `yaml:"max_turbidity"`
		Webhooks        []Webhook     `yaml:"webhooks"`
	} `yaml:"monitoring"`
}

// Webhook is an outbound alert notification channel.
type Webhook struct {
	Name        string        `yaml:"name"`
	URL         string        `yaml:"url"`
	MinSeverity string        `yaml:"min_severity"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxPerHour  int           `yaml:"max_per_hour"`
	Template    string        `yaml:"template"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Database.Path = "healthsurveil.db"
	c.Http.Port = 5000
	c.Http.Timeout = 30 * time.Second
	c.Http.AllowedOrigins = []string{"*"}
	c.Http.MaxBodyBytes = 4 << 20
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 28
	c.ML.ModelsDir = "models"
	c.ML.OutbreakModel = "gradient_boosting"
	c.ML.MaxTreeDepth = 3
	c.ML.NEstimators = 100
	c.ML.LearningRate = 0.1
	c.ML.TestRatio = 0.2
	c.ML.BackgroundSize = 100
	c.ML.CacheSize = 16
	c.Anomaly.NEstimators = 100
	c.RiskMap.Output = "risk_map.png"
	c.RiskMap.Width = 8
	c.RiskMap.Height = 6
	c.Monitoring.SweepInterval = 5 * time.Minute
	c.Monitoring.Window = time.Hour
	c.Monitoring.ReportThreshold = 50
	c.Monitoring.MinPH = 6.0
	c.Monitoring.MaxTurbidity = 10
	return &c
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.ML.OutbreakModel {
	case "gradient_boosting", "decision_tree":
	default:
		return fmt.Errorf("ml.outbreak_model: unsupported model %q", c.ML.OutbreakModel)
	}
	if c.ML.TestRatio < 0 || c.ML.TestRatio >= 1 {
		return errors.New("ml.test_ratio must be in [0, 1)")
	}
	if c.Anomaly.Contamination < 0 || c.Anomaly.Contamination > 0.5 {
		return errors.New("anomaly.contamination must be in [0, 0.5]")
	}
	if c.ML.NEstimators <= 0 || c.Anomaly.NEstimators <= 0 {
		return errors.New("n_estimators must be positive")
	}
	if c.ML.LearningRate <= 0 {
		return errors.New("ml.learning_rate must be positive")
	}
	for i, hook := range c.Monitoring.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("monitoring.webhooks[%d]: url is required", i)
		}
	}
	return nil
}

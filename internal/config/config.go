// Package config loads the root configuration document described in
// spec.md §6: upstream credentials, inference credentials, cache,
// country partitions, admin webhook, workbook schema, sink exclusions,
// fetch tuning, and queue tuning. Values of the form ${ENV_VAR} are
// resolved against the process environment, the way
// core/internal/config/providers.go resolves provider API keys in the
// teacher repo.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// Upstream holds the credentials the Session Guard and Upstream Adapter
// need. SessionFile is opaque and owned by the adapter; the guard only
// ever touches its sidecar lockfile.
type Upstream struct {
	APIID       string `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	Phone       string `yaml:"phone"`
	SessionFile string `yaml:"session_file"`
	BotToken    string `yaml:"bot_token"`
}

// Inference holds the remote AI inference credentials shared by the
// Classifier and the Translator's AI backend.
type Inference struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Cache is the tracking-store connection.
type Cache struct {
	RedisURL string `yaml:"redis_url"`
}

// Translation holds the Translator's free-backend endpoint. The AI
// backend reuses Inference's credentials.
type Translation struct {
	FreeBackendURL string `yaml:"free_backend_url"`
}

// WorkbookAPI holds the remote-workbook backend's own base URL and
// credential, independent of the Inference service.
type WorkbookAPI struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Admin is the admin alert channel.
type Admin struct {
	WebhookURL  string `yaml:"admin_webhook_url"`
	ChannelName string `yaml:"admin_channel_name"`
}

// CountryConfig is the raw YAML shape of one country partition entry;
// Build() turns it into a model.CountryPartition.
type CountryConfig struct {
	Name     string   `yaml:"name"`
	Channels []string `yaml:"channels"`

	WebhookURL string `yaml:"webhook_url"`

	Workbook struct {
		Site             string `yaml:"site"`
		Folder           string `yaml:"folder"`
		Filename         string `yaml:"filename"`
		SignificantSheet string `yaml:"significant_sheet"`
		TrivialSheet     string `yaml:"trivial_sheet"`
	} `yaml:"workbook"`

	CSVDir string `yaml:"csv_dir"`

	ClassificationPolicy struct {
		Significant [][]string `yaml:"significant"`
		Trivial     [][]string `yaml:"trivial"`
		Exclude     [][]string `yaml:"exclude"`

		UseAIForMessageFiltering  bool     `yaml:"use_ai_for_message_filtering"`
		TranslateTrivial          bool     `yaml:"translate_trivial"`
		UseAIForTranslation       bool     `yaml:"use_ai_for_translation"`
		UseAIForEnhancedFiltering bool     `yaml:"use_ai_for_enhanced_filtering"`
		AdditionalAICriteria      []string `yaml:"additional_ai_criteria"`
	} `yaml:"classification_policy"`
}

// FetchTuning controls the Scheduler/Upstream Adapter cadence.
type FetchTuning struct {
	FetchIntervalSeconds int `yaml:"FETCH_INTERVAL_SECONDS"`
	FetchMessageLimit    int `yaml:"FETCH_MESSAGE_LIMIT"`
	MaxMessageAgeHours   int `yaml:"MAX_MESSAGE_AGE_HOURS"`
}

// QueueTuning is per-queue concurrency/retry/time-limit configuration.
type QueueTuning struct {
	Concurrency      int           `yaml:"concurrency"`
	TimeLimit        time.Duration `yaml:"task_time_limit"`
	PrefetchMultiplier int         `yaml:"prefetch_multiplier"`
	ResultTTL        time.Duration `yaml:"result_ttl"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Backoff          float64       `yaml:"backoff"`
}

// Document is the root configuration object.
type Document struct {
	Upstream    Upstream                 `yaml:"upstream"`
	Inference   Inference                `yaml:"inference"`
	Cache       Cache                    `yaml:"cache"`
	Translation Translation              `yaml:"translation"`
	WorkbookAPI WorkbookAPI              `yaml:"workbook_api"`
	Countries map[string]CountryConfig `yaml:"countries"`
	Admin     Admin                    `yaml:"admin"`

	WorkbookFields []string `yaml:"workbook_fields"`

	WorkbookExcludedFields []string `yaml:"workbook_excluded_fields"`
	WebhookExcludedFields  []string `yaml:"webhook_excluded_fields"`

	Fetch  FetchTuning            `yaml:"fetch"`
	Queues map[string]QueueTuning `yaml:"queues"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func resolveEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return m
	})
}

// Load reads and parses a YAML configuration document from path,
// resolving ${ENV_VAR} references before unmarshalling.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: read %s: %w", path, err)
	}

	resolved := resolveEnv(raw)

	var doc Document
	if err := yaml.Unmarshal(resolved, &doc); err != nil {
		return nil, fmt.Errorf("config_invalid: parse %s: %w", path, err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	doc.applyDefaults()
	return &doc, nil
}

// Validate checks the preconditions the rest of the system relies on.
// It is deliberately strict: a missing required field is fatal at
// startup per spec.md §7 (config_invalid -> exit 1), not a soft default.
func (d *Document) Validate() error {
	if d.Upstream.SessionFile == "" {
		return fmt.Errorf("config_invalid: upstream.session_file is required")
	}
	if d.Cache.RedisURL == "" {
		return fmt.Errorf("config_invalid: cache.redis_url is required")
	}
	if len(d.Countries) == 0 {
		return fmt.Errorf("config_invalid: at least one country partition is required")
	}
	for id, c := range d.Countries {
		if len(c.Channels) == 0 {
			return fmt.Errorf("config_invalid: country %q has no channels", id)
		}
		if c.CSVDir == "" {
			return fmt.Errorf("config_invalid: country %q has no csv_dir", id)
		}
	}
	return nil
}

func (d *Document) applyDefaults() {
	if d.Fetch.FetchIntervalSeconds == 0 {
		d.Fetch.FetchIntervalSeconds = 180
	}
	if d.Fetch.FetchMessageLimit == 0 {
		d.Fetch.FetchMessageLimit = 100
	}
	if d.Fetch.MaxMessageAgeHours == 0 {
		d.Fetch.MaxMessageAgeHours = 4
	}
	if d.Translation.FreeBackendURL == "" {
		d.Translation.FreeBackendURL = "https://libretranslate.com/translate"
	}
	if len(d.WorkbookFields) == 0 {
		d.WorkbookFields = model.DefaultSchema().Fields
	}
	if d.Queues == nil {
		d.Queues = map[string]QueueTuning{}
	}
	defaultQueue := func(name string, concurrency, maxRetries int, base time.Duration, backoff float64, limit time.Duration) {
		if _, ok := d.Queues[name]; !ok {
			d.Queues[name] = QueueTuning{
				Concurrency: concurrency,
				MaxRetries:  maxRetries,
				BaseDelay:   base,
				Backoff:     backoff,
				TimeLimit:   limit,
			}
		}
	}
	defaultQueue("fetch", 1, 3, 60*time.Second, 2, 120*time.Second)
	defaultQueue("processing", 3, 3, 30*time.Second, 2, 60*time.Second)
	defaultQueue("webhook", 2, 5, 60*time.Second, 1.5, 30*time.Second)
	defaultQueue("workbook", 2, 5, 180*time.Second, 2, 90*time.Second)
	defaultQueue("csv", 1, 3, 15*time.Second, 2, 30*time.Second)
	defaultQueue("maintenance", 1, 3, 60*time.Second, 2, 60*time.Second)
}

// MaxMessageAge is the hard age bound from spec.md §3.
func (d *Document) MaxMessageAge() time.Duration {
	return time.Duration(d.Fetch.MaxMessageAgeHours) * time.Hour
}

// FetchInterval is the Scheduler's fetch_all cadence.
func (d *Document) FetchInterval() time.Duration {
	return time.Duration(d.Fetch.FetchIntervalSeconds) * time.Second
}

// Schema returns the configured sink schema, falling back to the
// default field order.
func (d *Document) Schema() model.Schema {
	return model.Schema{Fields: d.WorkbookFields}
}

// Build turns the raw YAML country config into the typed partition the
// rest of the system consumes.
func Build(id string, c CountryConfig, globalWorkbookExclude, globalWebhookExclude []string) model.CountryPartition {
	channels := make([]model.Channel, 0, len(c.Channels))
	for _, h := range c.Channels {
		channels = append(channels, model.Channel{Handle: h, CountryID: id})
	}

	policy := model.ClassificationPolicy{
		Significant:               toPairs(c.ClassificationPolicy.Significant),
		Trivial:                   toPairs(c.ClassificationPolicy.Trivial),
		Exclude:                   toPairs(c.ClassificationPolicy.Exclude),
		UseAIForMessageFiltering:  c.ClassificationPolicy.UseAIForMessageFiltering,
		TranslateTrivial:          c.ClassificationPolicy.TranslateTrivial,
		UseAIForTranslation:       c.ClassificationPolicy.UseAIForTranslation,
		UseAIForEnhancedFiltering: c.ClassificationPolicy.UseAIForEnhancedFiltering,
		AdditionalAICriteria:      c.ClassificationPolicy.AdditionalAICriteria,
	}

	return model.CountryPartition{
		ID:       id,
		Name:     c.Name,
		Channels: channels,
		WebhookURL: c.WebhookURL,
		Workbook: model.WorkbookBinding{
			Site:             c.Workbook.Site,
			Folder:           c.Workbook.Folder,
			Filename:         c.Workbook.Filename,
			SignificantSheet: orDefault(c.Workbook.SignificantSheet, "Significant"),
			TrivialSheet:     orDefault(c.Workbook.TrivialSheet, "Trivial"),
		},
		Policy:                 policy,
		CSVDir:                 c.CSVDir,
		WorkbookExcludedFields: globalWorkbookExclude,
		WebhookExcludedFields:  globalWebhookExclude,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func toPairs(raw [][]string) []model.KeywordPair {
	out := make([]model.KeywordPair, 0, len(raw))
	for _, pair := range raw {
		switch len(pair) {
		case 1:
			out = append(out, model.KeywordPair{English: pair[0], Native: pair[0]})
		case 2:
			out = append(out, model.KeywordPair{English: pair[0], Native: pair[1]})
		}
	}
	return out
}

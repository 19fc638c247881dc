package config

// Config is the process-wide configuration. It is loaded once at startup and
// read-only afterwards.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
// Out-of-range numeric values are clamped to safe defaults at load time,
// never at detection time.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// TickInterval is the detection loop cadence. Default "5s".
	TickInterval string `json:"tick_interval,omitempty"`

	Alerts AlertsConfig `json:"alerts"`
	Router RouterConfig `json:"router,omitempty"`
	Sinks  SinksConfig  `json:"sinks"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AlertsConfig holds detection thresholds and watch-lists.
type AlertsConfig struct {
	// BaseDuration is the display window for a fresh alert. Default "30s".
	// Time-critical categories (satellite pass, CME) get double this.
	BaseDuration string `json:"base_duration,omitempty"`

	// DedupWindow suppresses repeat alerts with the same category and dedup
	// key. Default "5m".
	DedupWindow string `json:"dedup_window,omitempty"`

	Dx           DxConfig           `json:"dx"`
	Satellite    SatelliteConfig    `json:"satellite"`
	SpaceWeather SpaceWeatherConfig `json:"space_weather"`
}

type DxConfig struct {
	Enabled      bool      `json:"enabled"`
	WatchedBands []float64 `json:"watched_bands,omitempty"` // MHz, e.g. [14.074, 7.074]
	WatchedModes []string  `json:"watched_modes,omitempty"` // e.g. ["FT8", "CW"]

	// Optional inclusive frequency range filter, ANDed with the band/mode
	// match. Omitted bound = unbounded on that side.
	MinFrequency *float64 `json:"min_frequency,omitempty"`
	MaxFrequency *float64 `json:"max_frequency,omitempty"`
}

type SatelliteConfig struct {
	Enabled            bool     `json:"enabled"`
	ElevationThreshold float64  `json:"elevation_threshold,omitempty"` // degrees, default 30
	Watched            []string `json:"watched,omitempty"`             // empty = all satellites
	CountdownEnabled   bool     `json:"countdown_enabled"`
}

type SpaceWeatherConfig struct {
	Enabled          bool     `json:"enabled"`
	KpAlertThreshold float64  `json:"kp_alert_threshold,omitempty"` // aurora, default 5.0
	KpSpikeThreshold float64  `json:"kp_spike_threshold,omitempty"` // default 2.0
	XrayAlertClasses []string `json:"xray_alert_classes,omitempty"` // default ["M","X"]
	CmeEnabled       bool     `json:"cme_enabled"`
}

type RouterConfig struct {
	// QueueSize is the per-sink outbound queue capacity. Default 64.
	QueueSize int `json:"queue_size,omitempty"`

	// DrainTimeout bounds shutdown latency while sinks flush. Default "5s".
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type SinksConfig struct {
	Audio     AudioSinkConfig     `json:"audio"`
	History   HistorySinkConfig   `json:"history"`
	Notify    NotifySinkConfig    `json:"notify"`
	Mqtt      MqttSinkConfig      `json:"mqtt"`
	WebSocket WebSocketSinkConfig `json:"websocket"`
	Telegram  TelegramSinkConfig  `json:"telegram,omitempty"`
}

type AudioSinkConfig struct {
	Enabled bool `json:"enabled"`
}

type HistorySinkConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`           // sqlite file
	RetentionDays int    `json:"retention_days,omitempty"` // default 30
	MaxEntries    int    `json:"max_entries,omitempty"`    // default 10000
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // default "2s"
}

type NotifySinkConfig struct {
	Enabled     bool   `json:"enabled"`
	MinSeverity string `json:"min_severity,omitempty"` // default "warning"
	RatePerMin  int    `json:"rate_per_min,omitempty"` // default 10
}

type MqttSinkConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url,omitempty"` // mqtt://host:port or mqtts://host:port
	ClientID    string `json:"client_id,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"` // default "hamclock/alerts"
	QoS         int    `json:"qos,omitempty"`          // 0..2, default 1
	RetryMax    int    `json:"retry_max,omitempty"`    // per-publish retries, default 3
}

type WebSocketSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Bind    string `json:"bind,omitempty"` // default "127.0.0.1:8090"
}

type TelegramSinkConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"` // default "notice"
	RatePerMin  int    `json:"rate_per_min,omitempty"` // default 6
}

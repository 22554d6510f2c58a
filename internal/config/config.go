package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"grid-ladder/internal/alert"
	"grid-ladder/internal/core"
	"grid-ladder/internal/grid"
	"grid-ladder/internal/logger"
	"grid-ladder/internal/marketdata"
	"grid-ladder/internal/metrics"
	"grid-ladder/internal/safety"
	"grid-ladder/internal/sizing"
	"grid-ladder/internal/strategy"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Grid           GridConfig           `yaml:"grid"`
	Volume         VolumeConfig         `yaml:"volume"`
	Ladder         LadderConfig         `yaml:"ladder"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	Paper          PaperConfig          `yaml:"paper"`
	State          StateConfig          `yaml:"state"`
	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type GridConfig struct {
	// Reference of zero anchors the grid on the first price.
	Reference Decimal `yaml:"reference"`
	Step      Decimal `yaml:"step"`
	Levels    int     `yaml:"levels"`
	Mode      string  `yaml:"mode"`
	Policy    string  `yaml:"policy"`
	Top       Decimal `yaml:"top"`
	Bottom    Decimal `yaml:"bottom"`
	Direction string  `yaml:"direction"`
}

type VolumeConfig struct {
	Base           Decimal `yaml:"base"`
	Multiplier     Decimal `yaml:"multiplier"`
	Scheme         string  `yaml:"scheme"`
	AntiMartingale bool    `yaml:"anti_martingale"`
	MaxExponent    int     `yaml:"max_exponent"`
}

type LadderConfig struct {
	ProfitTarget      Decimal `yaml:"profit_target"`
	StopLoss          Decimal `yaml:"stop_loss"`
	AutoRearm         *bool   `yaml:"auto_rearm"`
	MaxCycles         int     `yaml:"max_cycles"`
	OnExhausted       string  `yaml:"on_exhausted"`
	EntryOrder        string  `yaml:"entry_order"`
	TickDriven        bool    `yaml:"tick_driven"`
	MaxEquityFraction Decimal `yaml:"max_equity_fraction"`
}

type BacktestConfig struct {
	DataPath     string        `yaml:"data_path"`
	InitialQuote Decimal       `yaml:"initial_quote"`
	Fees         BacktestFees  `yaml:"fees"`
	Rules        BacktestRules `yaml:"rules"`
}

type BacktestFees struct {
	MakerRate Decimal `yaml:"maker_rate"`
	TakerRate Decimal `yaml:"taker_rate"`
}

type BacktestRules struct {
	MinQty    Decimal `yaml:"min_qty"`
	PriceTick Decimal `yaml:"price_tick"`
	QtyStep   Decimal `yaml:"qty_step"`
}

type PaperConfig struct {
	StreamBaseURL  string  `yaml:"stream_base_url"`
	Interval       string  `yaml:"interval"`
	KeepaliveSec   int64   `yaml:"keepalive_sec"`
	ReadTimeoutSec int64   `yaml:"read_timeout_sec"`
	InitialQuote   Decimal `yaml:"initial_quote"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type LogConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	Outputs   []string `yaml:"outputs"`
	File      string   `yaml:"file"`
	ErrorFile string   `yaml:"error_file"`
}

type MetricsConfig struct {
	// ListenAddr of "" keeps collectors in-process without a listener.
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
	Silent     bool   `yaml:"silent"`
}

type RuntimeConfig struct {
	AlertQueueSize     int   `yaml:"alert_queue_size"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	// AlertDigestSec folds repeated cycle_closed and gap_skip alerts; -1
	// sends every one.
	AlertDigestSec int64 `yaml:"alert_digest_sec"`
}

// Overrides replace file values before defaults and validation run.
type Overrides struct {
	Mode     Mode
	DataPath string
}

func Load(path string) (Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

func LoadWithOverrides(path string, o Overrides) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parse(data, o)
}

func Parse(data []byte) (Config, error) {
	return parse(data, Overrides{})
}

func parse(data []byte, o Overrides) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if o.Mode != "" {
		cfg.Mode = o.Mode
	}
	if o.DataPath != "" {
		cfg.Backtest.DataPath = o.DataPath
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Grid.Mode = strings.ToLower(strings.TrimSpace(c.Grid.Mode))
	c.Grid.Policy = strings.ToLower(strings.TrimSpace(c.Grid.Policy))
	c.Grid.Direction = strings.ToLower(strings.TrimSpace(c.Grid.Direction))
	c.Volume.Scheme = strings.ToLower(strings.TrimSpace(c.Volume.Scheme))
	c.Ladder.OnExhausted = strings.ToLower(strings.TrimSpace(c.Ladder.OnExhausted))
	c.Ladder.EntryOrder = strings.ToUpper(strings.TrimSpace(c.Ladder.EntryOrder))
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Paper.StreamBaseURL = strings.TrimSpace(c.Paper.StreamBaseURL)
	c.Paper.Interval = strings.TrimSpace(c.Paper.Interval)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	for i, out := range c.Log.Outputs {
		c.Log.Outputs[i] = strings.ToLower(strings.TrimSpace(out))
	}
	c.Log.File = strings.TrimSpace(c.Log.File)
	c.Log.ErrorFile = strings.TrimSpace(c.Log.ErrorFile)
	c.Metrics.ListenAddr = strings.TrimSpace(c.Metrics.ListenAddr)
	c.Metrics.Namespace = strings.TrimSpace(c.Metrics.Namespace)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Grid.Mode == "" {
		c.Grid.Mode = string(grid.ModeNeutral)
	}
	if c.Grid.Policy == "" {
		c.Grid.Policy = string(grid.PolicyMoving)
	}
	if c.Grid.Direction == "" {
		c.Grid.Direction = string(grid.TowardReference)
	}
	if c.Volume.Scheme == "" {
		c.Volume.Scheme = string(sizing.SchemeDepth)
	}
	if c.Volume.Multiplier.IsZero() {
		c.Volume.Multiplier = Decimal{decimal.NewFromInt(1)}
	}
	if c.Ladder.AutoRearm == nil {
		enabled := true
		c.Ladder.AutoRearm = &enabled
	}
	if c.Ladder.OnExhausted == "" {
		c.Ladder.OnExhausted = string(strategy.ExhaustForceClose)
	}
	if c.Ladder.EntryOrder == "" {
		c.Ladder.EntryOrder = string(core.Market)
	}
	if c.Paper.Interval == "" {
		c.Paper.Interval = "1m"
	}
	if c.Paper.KeepaliveSec == 0 {
		c.Paper.KeepaliveSec = 30
	}
	if c.Paper.ReadTimeoutSec == 0 {
		c.Paper.ReadTimeoutSec = 90
	}
	if c.Paper.InitialQuote.IsZero() {
		c.Paper.InitialQuote = c.Backtest.InitialQuote
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "ladder"
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertQueueSize == 0 {
		c.Observability.Runtime.AlertQueueSize = 128
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Observability.Runtime.AlertDigestSec == 0 {
		c.Observability.Runtime.AlertDigestSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper:
	default:
		return fmt.Errorf("mode must be backtest or paper")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if _, err := c.StrategyConfig(); err != nil {
		return err
	}
	if c.Backtest.Fees.MakerRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest fees.maker_rate must be >= 0")
	}
	if c.Backtest.Fees.TakerRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest fees.taker_rate must be >= 0")
	}
	if c.Backtest.Rules.MinQty.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest rules.min_qty must be >= 0")
	}
	if c.Backtest.Rules.PriceTick.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest rules.price_tick must be >= 0")
	}
	if c.Backtest.Rules.QtyStep.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest rules.qty_step must be >= 0")
	}
	if c.Backtest.InitialQuote.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("backtest initial_quote must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	if c.Observability.Runtime.AlertQueueSize < 1 || c.Observability.Runtime.AlertQueueSize > 10000 {
		return fmt.Errorf("observability.runtime.alert_queue_size must be between 1 and 10000")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDigestSec < -1 || c.Observability.Runtime.AlertDigestSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_digest_sec must be -1 or between 1 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	switch c.Mode {
	case ModeBacktest:
		if c.Backtest.DataPath == "" {
			return fmt.Errorf("backtest data_path is required")
		}
	case ModePaper:
		if c.Paper.StreamBaseURL != "" {
			if err := validateURL(c.Paper.StreamBaseURL, "ws", "wss"); err != nil {
				return fmt.Errorf("paper stream_base_url %v", err)
			}
		}
		if c.Paper.KeepaliveSec < 1 || c.Paper.KeepaliveSec > 300 {
			return fmt.Errorf("paper keepalive_sec must be between 1 and 300")
		}
		if c.Paper.ReadTimeoutSec < 1 || c.Paper.ReadTimeoutSec > 3600 {
			return fmt.Errorf("paper read_timeout_sec must be between 1 and 3600")
		}
		if c.Paper.InitialQuote.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("paper initial_quote must be > 0")
		}
	}
	return nil
}

// StrategyConfig maps the grid, volume and ladder sections onto the engine
// configuration and validates it.
func (c Config) StrategyConfig() (strategy.Config, error) {
	mode, ok := grid.ParseMode(c.Grid.Mode)
	if !ok {
		return strategy.Config{}, fmt.Errorf("grid mode must be neutral, long_only, or short_only")
	}
	dir, ok := grid.ParseDirection(c.Grid.Direction)
	if !ok {
		return strategy.Config{}, fmt.Errorf("grid direction must be toward_reference or away_from_reference")
	}
	scheme, ok := sizing.ParseScheme(c.Volume.Scheme)
	if !ok {
		return strategy.Config{}, fmt.Errorf("volume scheme must be fixed, martingale, or depth")
	}
	exhausted, ok := strategy.ParseExhaustPolicy(c.Ladder.OnExhausted)
	if !ok {
		return strategy.Config{}, fmt.Errorf("ladder on_exhausted must be force_close or hold")
	}
	var spec grid.Spec
	switch grid.Policy(c.Grid.Policy) {
	case grid.PolicyStatic:
		spec = grid.NewStatic(c.Grid.Top.Decimal, c.Grid.Bottom.Decimal, c.Grid.Levels, mode, c.Grid.Reference.Decimal)
		if !c.Grid.Step.IsZero() {
			return strategy.Config{}, fmt.Errorf("grid step is derived from top/bottom for static grids")
		}
	case grid.PolicyMoving:
		spec = grid.Spec{
			Reference: c.Grid.Reference.Decimal,
			Step:      c.Grid.Step.Decimal,
			Levels:    c.Grid.Levels,
			Mode:      mode,
			Policy:    grid.PolicyMoving,
		}
	default:
		return strategy.Config{}, fmt.Errorf("grid policy must be moving or static")
	}
	if c.Volume.Base.Cmp(decimal.Zero) <= 0 {
		return strategy.Config{}, fmt.Errorf("volume base must be > 0")
	}
	if c.Volume.Multiplier.Cmp(decimal.Zero) <= 0 {
		return strategy.Config{}, fmt.Errorf("volume multiplier must be > 0")
	}
	if c.Volume.MaxExponent < 0 {
		return strategy.Config{}, fmt.Errorf("volume max_exponent must be >= 0")
	}
	autoRearm := c.Ladder.AutoRearm == nil || *c.Ladder.AutoRearm
	cfg := strategy.Config{
		Symbol: c.Symbol,
		Grid:   spec,
		Volume: sizing.Config{
			BaseVolume:     c.Volume.Base.Decimal,
			Multiplier:     c.Volume.Multiplier.Decimal,
			AntiMartingale: c.Volume.AntiMartingale,
			Scheme:         scheme,
			MaxExponent:    c.Volume.MaxExponent,
		},
		Direction:         dir,
		ProfitTarget:      c.Ladder.ProfitTarget.Decimal,
		StopLoss:          c.Ladder.StopLoss.Decimal,
		AutoRearm:         autoRearm,
		MaxCycles:         c.Ladder.MaxCycles,
		OnExhausted:       exhausted,
		EntryOrder:        core.OrderKind(c.Ladder.EntryOrder),
		TickDriven:        c.Ladder.TickDriven,
		Rules:             c.Rules(),
		MaxEquityFraction: c.Ladder.MaxEquityFraction.Decimal,
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Config{}, err
	}
	return cfg, nil
}

func (c Config) Rules() core.Rules {
	return core.Rules{
		MinQty:    c.Backtest.Rules.MinQty.Decimal,
		PriceTick: c.Backtest.Rules.PriceTick.Decimal,
		QtyStep:   c.Backtest.Rules.QtyStep.Decimal,
	}
}

func (l LogConfig) validate() error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log level must be debug, info, warn, or error")
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("log format must be json or console")
	}
	for _, out := range l.Outputs {
		switch out {
		case "stdout", "stderr":
		case "file":
			if l.File == "" {
				return fmt.Errorf("log file is required for the file output")
			}
		default:
			return fmt.Errorf("log outputs must be stdout, stderr, or file")
		}
	}
	return nil
}

func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		Outputs:   c.Log.Outputs,
		File:      c.Log.File,
		ErrorFile: c.Log.ErrorFile,
	}
}

func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{Namespace: c.Metrics.Namespace, Symbol: c.Symbol}
}

func (c Config) BreakerConfig() safety.BreakerConfig {
	return safety.BreakerConfig{
		Name:              "market_stream",
		Enabled:           c.CircuitBreaker.Enabled,
		MaxFailures:       c.CircuitBreaker.MaxReconnectFailures,
		Cooldown:          time.Duration(c.CircuitBreaker.ReconnectCooldownSec) * time.Second,
		HalfOpenSuccesses: c.CircuitBreaker.ReconnectProbePasses,
	}
}

func (c Config) StreamConfig() marketdata.StreamConfig {
	return marketdata.StreamConfig{
		BaseURL:     c.Paper.StreamBaseURL,
		Symbol:      c.Symbol,
		Interval:    c.Paper.Interval,
		Keepalive:   time.Duration(c.Paper.KeepaliveSec) * time.Second,
		ReadTimeout: time.Duration(c.Paper.ReadTimeoutSec) * time.Second,
	}
}

func (c Config) TelegramConfig() alert.TelegramConfig {
	t := c.Observability.Telegram
	return alert.TelegramConfig{
		Enabled:  t.Enabled,
		BotToken: t.BotToken,
		ChatID:   t.ChatID,
		BaseURL:  t.APIBaseURL,
		Timeout:  time.Duration(t.TimeoutSec) * time.Second,
		Silent:   t.Silent,
	}
}

func (c Config) AlertOptions() alert.ManagerOptions {
	opts := alert.ManagerOptions{
		QueueSize:          c.Observability.Runtime.AlertQueueSize,
		DropReportInterval: time.Duration(c.Observability.Runtime.AlertDropReportSec) * time.Second,
	}
	if sec := c.Observability.Runtime.AlertDigestSec; sec > 0 {
		opts.DigestWindow = time.Duration(sec) * time.Second
	}
	return opts
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}

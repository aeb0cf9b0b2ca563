// Package config loads the timing and protocol parameters that drive the
// beamforming engines. Every field is optional in JSON; the Get* accessors
// supply the default when a field is omitted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// DefaultConfigPath is the path to the canonical timing defaults file.
const DefaultConfigPath = "config/timing.defaults.json"

// TimingConfig holds the externally supplied timing configuration.
// Durations are strings accepted by time.ParseDuration ("14.91us", "9us").
type TimingConfig struct {
	// Per-frame airtime
	SSWFrameTime     *string `json:"ssw_frame_time,omitempty"`
	SSWFbckFrameTime *string `json:"ssw_fbck_frame_time,omitempty"`
	SSWAckFrameTime  *string `json:"ssw_ack_frame_time,omitempty"`
	BRPFrameTime     *string `json:"brp_frame_time,omitempty"`
	TRNUnitTime      *string `json:"trn_unit_time,omitempty"`

	// Inter-frame spacings
	SBIFS  *string `json:"sbifs,omitempty"`
	MBIFS  *string `json:"mbifs,omitempty"`
	LBIFS  *string `json:"lbifs,omitempty"`
	SIFS   *string `json:"sifs,omitempty"`
	BRPIFS *string `json:"brpifs,omitempty"`

	PropagationDelay *string `json:"propagation_delay,omitempty"`

	// Retry and timeout behaviour
	RetryLimit               *int    `json:"retry_limit,omitempty"`
	AckTimeoutMultiplier     *int    `json:"ack_timeout_multiplier,omitempty"`
	ResponderTimeout         *string `json:"responder_timeout,omitempty"`
	RestartOnNewAccessPeriod *bool   `json:"restart_on_new_access_period,omitempty"`

	// Contention
	CWMin    *int    `json:"cw_min,omitempty"`
	CWMax    *int    `json:"cw_max,omitempty"`
	SlotTime *string `json:"slot_time,omitempty"`

	// Sweep kind ("TXSS" or "RXSS") this station performs in its own
	// sweep phase: ISSSweep when it initiates, RSSSweep when it responds.
	ISSSweep *string `json:"iss_sweep,omitempty"`
	RSSSweep *string `json:"rss_sweep,omitempty"`

	// Beam link maintenance proposal carried in SSW-FBCK
	BLMUnit32us *bool `json:"blm_unit_32us,omitempty"`
	BLMValue    *int  `json:"blm_value,omitempty"`

	// Beam refinement
	BRPEnabled       *bool `json:"brp_enabled,omitempty"`
	BRPLRX           *int  `json:"brp_l_rx,omitempty"`
	BRPTxTraining    *bool `json:"brp_tx_training,omitempty"`
	BRPTxUnits       *int  `json:"brp_tx_units,omitempty"`
	BRPInSLSFeedback *bool `json:"brp_in_sls_feedback,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyTimingConfig returns a TimingConfig with every field unset, so every
// accessor yields its default.
func EmptyTimingConfig() *TimingConfig {
	return &TimingConfig{}
}

// DefaultTimingConfig returns a config with every field explicitly set to
// its default value.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		SSWFrameTime:             ptrString("14.91us"),
		SSWFbckFrameTime:         ptrString("18.18us"),
		SSWAckFrameTime:          ptrString("18.18us"),
		BRPFrameTime:             ptrString("22.3us"),
		TRNUnitTime:              ptrString("2.91us"),
		SBIFS:                    ptrString("1us"),
		MBIFS:                    ptrString("9us"),
		LBIFS:                    ptrString("18us"),
		SIFS:                     ptrString("3us"),
		BRPIFS:                   ptrString("40us"),
		PropagationDelay:         ptrString("100ns"),
		RetryLimit:               ptrInt(8),
		AckTimeoutMultiplier:     ptrInt(2),
		ResponderTimeout:         ptrString("2ms"),
		RestartOnNewAccessPeriod: ptrBool(false),
		CWMin:                    ptrInt(15),
		CWMax:                    ptrInt(1023),
		SlotTime:                 ptrString("5us"),
		ISSSweep:                 ptrString("TXSS"),
		RSSSweep:                 ptrString("TXSS"),
		BLMUnit32us:              ptrBool(true),
		BLMValue:                 ptrInt(0),
		BRPEnabled:               ptrBool(false),
		BRPLRX:                   ptrInt(0),
		BRPTxTraining:            ptrBool(false),
		BRPTxUnits:               ptrInt(4),
		BRPInSLSFeedback:         ptrBool(true),
	}
}

// LoadTimingConfig loads a TimingConfig from a JSON file. The path must
// have a .json extension and the file must be under 1MB. Omitted fields
// keep their defaults.
func LoadTimingConfig(path string) (*TimingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTimingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for tests and binaries started from the repository.
func MustLoadDefaultConfig() *TimingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTimingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that every set field parses and is in range.
func (c *TimingConfig) Validate() error {
	durations := map[string]*string{
		"ssw_frame_time":      c.SSWFrameTime,
		"ssw_fbck_frame_time": c.SSWFbckFrameTime,
		"ssw_ack_frame_time":  c.SSWAckFrameTime,
		"brp_frame_time":      c.BRPFrameTime,
		"trn_unit_time":       c.TRNUnitTime,
		"sbifs":               c.SBIFS,
		"mbifs":               c.MBIFS,
		"lbifs":               c.LBIFS,
		"sifs":                c.SIFS,
		"brpifs":              c.BRPIFS,
		"propagation_delay":   c.PropagationDelay,
		"responder_timeout":   c.ResponderTimeout,
		"slot_time":           c.SlotTime,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.RetryLimit != nil && *c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1, got %d", *c.RetryLimit)
	}
	if c.AckTimeoutMultiplier != nil && *c.AckTimeoutMultiplier < 1 {
		return fmt.Errorf("ack_timeout_multiplier must be at least 1, got %d", *c.AckTimeoutMultiplier)
	}
	if c.CWMin != nil && *c.CWMin < 0 {
		return fmt.Errorf("cw_min must be non-negative, got %d", *c.CWMin)
	}
	if c.GetCWMax() < c.GetCWMin() {
		return fmt.Errorf("cw_max %d is below cw_min %d", c.GetCWMax(), c.GetCWMin())
	}
	for name, v := range map[string]*string{"iss_sweep": c.ISSSweep, "rss_sweep": c.RSSSweep} {
		if v == nil {
			continue
		}
		if _, err := parseSweepKind(*v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.BLMValue != nil && (*c.BLMValue < 0 || *c.BLMValue > 63) {
		return fmt.Errorf("blm_value must be in 0..63, got %d", *c.BLMValue)
	}
	if c.BRPLRX != nil && (*c.BRPLRX < 0 || *c.BRPLRX > 31) {
		return fmt.Errorf("brp_l_rx must be in 0..31, got %d", *c.BRPLRX)
	}
	if c.BRPTxUnits != nil && (*c.BRPTxUnits < 0 || *c.BRPTxUnits > 31) {
		return fmt.Errorf("brp_tx_units must be in 0..31, got %d", *c.BRPTxUnits)
	}
	return nil
}

func parseSweepKind(s string) (dmg.SweepKind, error) {
	switch s {
	case "TXSS", "txss":
		return dmg.TXSS, nil
	case "RXSS", "rxss":
		return dmg.RXSS, nil
	}
	return dmg.TXSS, fmt.Errorf("unknown sweep kind %q", s)
}

// durationOr parses v, returning def when v is unset or unparsable.
func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *TimingConfig) GetSSWFrameTime() time.Duration {
	return durationOr(c.SSWFrameTime, 14910*time.Nanosecond)
}

func (c *TimingConfig) GetSSWFbckFrameTime() time.Duration {
	return durationOr(c.SSWFbckFrameTime, 18180*time.Nanosecond)
}

func (c *TimingConfig) GetSSWAckFrameTime() time.Duration {
	return durationOr(c.SSWAckFrameTime, 18180*time.Nanosecond)
}

func (c *TimingConfig) GetBRPFrameTime() time.Duration {
	return durationOr(c.BRPFrameTime, 22300*time.Nanosecond)
}

func (c *TimingConfig) GetTRNUnitTime() time.Duration {
	return durationOr(c.TRNUnitTime, 2910*time.Nanosecond)
}

// GetSBIFS returns the short beamforming inter-frame spacing.
func (c *TimingConfig) GetSBIFS() time.Duration { return durationOr(c.SBIFS, time.Microsecond) }

// GetMBIFS returns the medium beamforming inter-frame spacing.
func (c *TimingConfig) GetMBIFS() time.Duration { return durationOr(c.MBIFS, 9*time.Microsecond) }

// GetLBIFS returns the long beamforming inter-frame spacing.
func (c *TimingConfig) GetLBIFS() time.Duration { return durationOr(c.LBIFS, 18*time.Microsecond) }

func (c *TimingConfig) GetSIFS() time.Duration { return durationOr(c.SIFS, 3*time.Microsecond) }

func (c *TimingConfig) GetBRPIFS() time.Duration { return durationOr(c.BRPIFS, 40*time.Microsecond) }

func (c *TimingConfig) GetPropagationDelay() time.Duration {
	return durationOr(c.PropagationDelay, 100*time.Nanosecond)
}

// GetRetryLimit returns the per-session retry bound.
func (c *TimingConfig) GetRetryLimit() int {
	if c.RetryLimit == nil {
		return 8
	}
	return *c.RetryLimit
}

func (c *TimingConfig) GetAckTimeoutMultiplier() int {
	if c.AckTimeoutMultiplier == nil {
		return 2
	}
	return *c.AckTimeoutMultiplier
}

// GetResponderTimeout returns how long a responder waits for its initiator
// between frames before abandoning the session.
func (c *TimingConfig) GetResponderTimeout() time.Duration {
	return durationOr(c.ResponderTimeout, 2*time.Millisecond)
}

func (c *TimingConfig) GetRestartOnNewAccessPeriod() bool {
	if c.RestartOnNewAccessPeriod == nil {
		return false
	}
	return *c.RestartOnNewAccessPeriod
}

func (c *TimingConfig) GetCWMin() int {
	if c.CWMin == nil {
		return 15
	}
	return *c.CWMin
}

func (c *TimingConfig) GetCWMax() int {
	if c.CWMax == nil {
		return 1023
	}
	return *c.CWMax
}

func (c *TimingConfig) GetSlotTime() time.Duration {
	return durationOr(c.SlotTime, 5*time.Microsecond)
}

// GetISSSweep returns the sweep kind this station uses when it initiates.
func (c *TimingConfig) GetISSSweep() dmg.SweepKind {
	if c.ISSSweep == nil {
		return dmg.TXSS
	}
	k, _ := parseSweepKind(*c.ISSSweep)
	return k
}

// GetRSSSweep returns the sweep kind this station uses when it responds.
func (c *TimingConfig) GetRSSSweep() dmg.SweepKind {
	if c.RSSSweep == nil {
		return dmg.TXSS
	}
	k, _ := parseSweepKind(*c.RSSSweep)
	return k
}

func (c *TimingConfig) GetBLMUnit32us() bool {
	if c.BLMUnit32us == nil {
		return true
	}
	return *c.BLMUnit32us
}

func (c *TimingConfig) GetBLMValue() int {
	if c.BLMValue == nil {
		return 0
	}
	return *c.BLMValue
}

func (c *TimingConfig) GetBRPEnabled() bool {
	if c.BRPEnabled == nil {
		return false
	}
	return *c.BRPEnabled
}

func (c *TimingConfig) GetBRPLRX() int {
	if c.BRPLRX == nil {
		return 0
	}
	return *c.BRPLRX
}

func (c *TimingConfig) GetBRPTxTraining() bool {
	if c.BRPTxTraining == nil {
		return false
	}
	return *c.BRPTxTraining
}

func (c *TimingConfig) GetBRPTxUnits() int {
	if c.BRPTxUnits == nil {
		return 4
	}
	return *c.BRPTxUnits
}

// GetBRPInSLSFeedback reports whether the BRP request is negotiated inside
// SSW-FBCK/SSW-ACK, which lets the refinement skip its own setup exchange.
func (c *TimingConfig) GetBRPInSLSFeedback() bool {
	if c.BRPInSLSFeedback == nil {
		return true
	}
	return *c.BRPInSLSFeedback
}

// RSSTimeout is how long the initiator waits after its ISS for the first
// responder frame before retrying the ISS.
func (c *TimingConfig) RSSTimeout() time.Duration {
	return c.GetMBIFS() + c.GetSSWFrameTime() + 2*c.GetPropagationDelay() + time.Microsecond
}

// AckTimeout is how long the initiator waits after SSW-FBCK for SSW-ACK.
func (c *TimingConfig) AckTimeout() time.Duration {
	return time.Duration(c.GetAckTimeoutMultiplier())*c.GetSSWAckFrameTime() + 2*c.GetPropagationDelay() + c.GetMBIFS()
}

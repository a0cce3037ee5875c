package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"execution-core/internal/apperr"
)

var validate = validator.New()

// Policy is the reloadable trading policy file.
type Policy struct {
	Risk      RiskPolicy `yaml:"risk" json:"risk"`
	Sizing    Sizing     `yaml:"sizing" json:"sizing"`
	Execution Execution  `yaml:"execution" json:"execution"`
	Schedule  Schedule   `yaml:"schedule" json:"schedule"`
}

// RiskPolicy thresholds are fractions (0.02 = 2%). Zero disables a rule.
type RiskPolicy struct {
	StopLossPct           float64 `yaml:"stop_loss_pct" json:"stop_loss_pct" default:"0.03" validate:"gte=0,lt=1"`
	TakeProfitPct         float64 `yaml:"take_profit_pct" json:"take_profit_pct" default:"0.08" validate:"gte=0"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct" json:"trailing_activation_pct" default:"0.05" validate:"gte=0"`
	TrailingTrailPct      float64 `yaml:"trailing_trail_pct" json:"trailing_trail_pct" default:"0.015" validate:"gte=0,lt=1"`
	MaxExposurePct        float64 `yaml:"max_exposure_pct" json:"max_exposure_pct" default:"0.8" validate:"gte=0,lte=1"`
	MaxPositionAgeHours   float64 `yaml:"max_position_age_hours" json:"max_position_age_hours" validate:"gte=0"`
}

// Sizing controls how signals become order sizes.
type Sizing struct {
	BuyFraction  float64       `yaml:"buy_fraction" json:"buy_fraction" default:"0.1" validate:"gt=0,lte=1"`
	SellFraction float64       `yaml:"sell_fraction" json:"sell_fraction" default:"1" validate:"gt=0,lte=1"`
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown" default:"1h" validate:"gte=0"`
}

// Execution holds simulator and price-lookup settings.
type Execution struct {
	FeeRate      float64       `yaml:"fee_rate" json:"fee_rate" default:"0.001" validate:"gte=0,lt=0.1"`
	SlippageBps  float64       `yaml:"slippage_bps" json:"slippage_bps" validate:"gte=0,lte=500"`
	PriceTimeout time.Duration `yaml:"price_timeout" json:"price_timeout" default:"5s" validate:"gt=0"`
	MaxPriceAge  time.Duration `yaml:"max_price_age" json:"max_price_age" default:"30m" validate:"gte=0"`
}

// Schedule holds periodic job intervals.
type Schedule struct {
	RiskCheckInterval time.Duration `yaml:"risk_check_interval" json:"risk_check_interval" default:"5m" validate:"gt=0"`
	MonitorInterval   time.Duration `yaml:"monitor_interval" json:"monitor_interval" default:"15m" validate:"gt=0"`
	Resolution        time.Duration `yaml:"resolution" json:"resolution" default:"1s" validate:"gt=0"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	var p Policy
	// Only fails on malformed tags.
	if err := defaults.Set(&p); err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads a policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, apperr.New(apperr.CodeConfigInvalid, "read policy %s: %v", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML over the defaults, rejecting unknown keys, and
// validates the result.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, apperr.New(apperr.CodeConfigInvalid, "decode policy: %v", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks field ranges and cross-field rules.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", e.Namespace(), e.Tag(), e.Param(), e.Value()))
			}
			return apperr.New(apperr.CodeConfigInvalid, "%s", strings.Join(msgs, "; "))
		}
		return apperr.New(apperr.CodeConfigInvalid, "%v", err)
	}
	r := p.Risk
	if (r.TrailingActivationPct > 0) != (r.TrailingTrailPct > 0) {
		return apperr.New(apperr.CodeConfigInvalid, "trailing_activation_pct and trailing_trail_pct must both be set or both be 0")
	}
	return nil
}

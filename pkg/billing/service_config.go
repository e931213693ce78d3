package billing

import (
	"net"
	"strings"
)

// TierLimits bounds what a service configuration may request at a tier
type TierLimits struct {
	MaxRequestsPerSecond int  `yaml:"max_requests_per_second" json:"max_requests_per_second"`
	MaxBurst             int  `yaml:"max_burst" json:"max_burst"`
	MaxAPIKeys           int  `yaml:"max_api_keys" json:"max_api_keys"`
	IPAllowlist          bool `yaml:"ip_allowlist" json:"ip_allowlist"`
	MaxAllowlistEntries  int  `yaml:"max_allowlist_entries" json:"max_allowlist_entries"`
}

// ServiceConfig is the per-instance configuration a customer may set.
// Nil fields fall back to the tier limit.
type ServiceConfig struct {
	RequestsPerSecond *int     `json:"requests_per_second,omitempty"`
	BurstLimit        *int     `json:"burst_limit,omitempty"`
	MaxAPIKeys        *int     `json:"max_api_keys,omitempty"`
	IPAllowlist       []string `json:"ip_allowlist,omitempty"`
}

// Validate checks the configuration against the tier's limits
func (c ServiceConfig) Validate(limits TierLimits) error {
	if err := checkBound("requests_per_second", c.RequestsPerSecond, limits.MaxRequestsPerSecond); err != nil {
		return err
	}
	if err := checkBound("burst_limit", c.BurstLimit, limits.MaxBurst); err != nil {
		return err
	}
	if err := checkBound("max_api_keys", c.MaxAPIKeys, limits.MaxAPIKeys); err != nil {
		return err
	}
	if len(c.IPAllowlist) > 0 {
		if !limits.IPAllowlist {
			return Validation(CodeInvalidConfig, "ip allowlist is not available on this tier")
		}
		if len(c.IPAllowlist) > limits.MaxAllowlistEntries {
			return Validationf(CodeInvalidConfig, "ip allowlist exceeds %d entries", limits.MaxAllowlistEntries)
		}
		for _, entry := range c.IPAllowlist {
			if !validAllowlistEntry(entry) {
				return Validationf(CodeInvalidConfig, "invalid ip allowlist entry %q", entry)
			}
		}
	}
	return nil
}

// Effective resolves nil fields to the tier limits
func (c ServiceConfig) Effective(limits TierLimits) ServiceConfig {
	out := c
	if out.RequestsPerSecond == nil {
		v := limits.MaxRequestsPerSecond
		out.RequestsPerSecond = &v
	}
	if out.BurstLimit == nil {
		v := limits.MaxBurst
		out.BurstLimit = &v
	}
	if out.MaxAPIKeys == nil {
		v := limits.MaxAPIKeys
		out.MaxAPIKeys = &v
	}
	return out
}

// ClampTo drops settings a lower tier no longer allows
func (c ServiceConfig) ClampTo(limits TierLimits) ServiceConfig {
	out := c
	out.RequestsPerSecond = clamp(c.RequestsPerSecond, limits.MaxRequestsPerSecond)
	out.BurstLimit = clamp(c.BurstLimit, limits.MaxBurst)
	out.MaxAPIKeys = clamp(c.MaxAPIKeys, limits.MaxAPIKeys)
	if !limits.IPAllowlist {
		out.IPAllowlist = nil
	} else if len(out.IPAllowlist) > limits.MaxAllowlistEntries {
		out.IPAllowlist = append([]string(nil), out.IPAllowlist[:limits.MaxAllowlistEntries]...)
	}
	return out
}

func checkBound(field string, value *int, max int) error {
	if value == nil {
		return nil
	}
	if *value < 1 {
		return Validationf(CodeInvalidConfig, "%s must be positive", field)
	}
	if *value > max {
		return Validationf(CodeInvalidConfig, "%s exceeds tier limit of %d", field, max)
	}
	return nil
}

func clamp(value *int, max int) *int {
	if value == nil || *value <= max {
		return value
	}
	v := max
	return &v
}

func validAllowlistEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

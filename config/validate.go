package config

import (
	"fmt"

	nativecommon "settlecore/native/common"
)

// MaxQuotaEpochSeconds bounds quota windows to one day.
var MaxQuotaEpochSeconds = uint32(86_400)

// ValidateConfig checks the file beyond what the engine parameters validate.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	params, err := c.Params()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	for name, q := range map[string]nativecommon.Quota{
		"loans":      c.Quotas.Loans,
		"redemption": c.Quotas.Redemption,
		"stability":  c.Quotas.Stability,
		"staking":    c.Quotas.Staking,
	} {
		if q.EpochSeconds > MaxQuotaEpochSeconds {
			return fmt.Errorf("quotas.%s: epoch_seconds above %d", name, MaxQuotaEpochSeconds)
		}
	}
	return nil
}

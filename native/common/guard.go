package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// Module names understood by the pause switch.
const (
	ModuleLoans      = "cdp.loans"
	ModuleRedemption = "cdp.redemption"
	ModuleStability  = "cdp.stability"
	ModuleStaking    = "cdp.staking"
)

type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a PauseView backed by a fixed set of module names.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[module]
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

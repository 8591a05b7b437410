package cmd

import (
	"fmt"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/configstore"
	"github.com/GoCodeAlone/modkernel/modules/climate"
	"github.com/GoCodeAlone/modkernel/modules/sensor"
)

// DefaultEnvPrefix selects environment overrides such as
// MODKERNEL_SYSTEM__LOOP_PERIOD=5ms.
const DefaultEnvPrefix = "MODKERNEL"

// defaultConfig is the tree a configuration file is merged over.
func defaultConfig() map[string]any {
	return map[string]any{
		"sensor": map[string]any{
			"channels":      []any{"temperature"},
			"poll_interval": "100ms",
		},
		"climate": map[string]any{
			"setpoint":   climate.DefaultConfig().Setpoint,
			"hysteresis": climate.DefaultConfig().Hysteresis,
		},
	}
}

func systemSection(cfg map[string]any) (modkernel.Section, error) {
	raw, ok := cfg[modkernel.SystemSection]
	if !ok {
		return modkernel.Section{}, nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s section is %T", modkernel.ErrInvalidAppConfig, modkernel.SystemSection, raw)
	}
	return section, nil
}

// newKernel sizes the kernel from the system section of path and
// registers the reference modules.
func newKernel(path string, logger modkernel.Logger) (*modkernel.Kernel, error) {
	cfg, err := configstore.ReadFile(path)
	if err != nil {
		return nil, err
	}
	section, err := systemSection(cfg)
	if err != nil {
		return nil, err
	}
	kcfg, err := modkernel.KernelConfigFromSection(section)
	if err != nil {
		return nil, err
	}

	k := modkernel.NewKernel(kcfg, logger)
	if err := k.Modules().Register(climate.New(), modkernel.PriorityHigh); err != nil {
		return nil, err
	}
	if err := k.Modules().Register(sensor.New(), modkernel.PriorityStandard, modkernel.OnCore(modkernel.CoreSecondary)); err != nil {
		return nil, err
	}
	return k, nil
}

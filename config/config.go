// Package config loads rangeprop settings from rangeprop.conf files. Files
// are discovered by walking from the working directory toward the root;
// settings in deeper directories override shallower ones, which in turn
// override the built-in defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type config struct {
	cfg  Config
	meta toml.MetaData
}

func (cfg config) Merge(ocfg config) config {
	if ocfg.meta.IsDefined("solver", "max_iterations") {
		cfg.cfg.Solver.MaxIterations = ocfg.cfg.Solver.MaxIterations
	}
	if ocfg.meta.IsDefined("solver", "max_step") {
		cfg.cfg.Solver.MaxStep = ocfg.cfg.Solver.MaxStep
	}
	if ocfg.meta.IsDefined("output", "verbose") {
		cfg.cfg.Output.Verbose = ocfg.cfg.Output.Verbose
	}
	if ocfg.meta.IsDefined("output", "frame_register") {
		cfg.cfg.Output.FrameRegister = ocfg.cfg.Output.FrameRegister
	}
	return cfg
}

type Config struct {
	Solver SolverConfig `toml:"solver"`
	Output OutputConfig `toml:"output"`
}

type SolverConfig struct {
	// MaxIterations bounds the fixed point iteration before the solver
	// gives up and reports a capped result.
	MaxIterations int `toml:"max_iterations"`
	// MaxStep caps the stride of computed ranges.
	MaxStep uint64 `toml:"max_step"`
}

type OutputConfig struct {
	Verbose bool `toml:"verbose"`
	// FrameRegister names the input varnode treated as the frame pointer.
	FrameRegister string `toml:"frame_register"`
}

var defaultConfig = Config{
	Solver: SolverConfig{
		MaxIterations: 10000,
		MaxStep:       32,
	},
	Output: OutputConfig{},
}

// Default returns the built-in configuration.
func Default() Config { return defaultConfig }

const configName = "rangeprop.conf"

func parseConfigs(dir string) ([]config, error) {
	var out []config

	for dir != "" {
		f, err := os.Open(filepath.Join(dir, configName))
		if os.IsNotExist(err) {
			ndir := filepath.Dir(dir)
			if ndir == dir {
				break
			}
			dir = ndir
			continue
		}
		if err != nil {
			return nil, err
		}
		var cfg Config
		meta, err := toml.NewDecoder(f).Decode(&cfg)
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, config{cfg, meta})
		ndir := filepath.Dir(dir)
		if ndir == dir {
			break
		}
		dir = ndir
	}
	out = append(out, config{
		cfg:  defaultConfig,
		meta: toml.MetaData{}, // meta of the base config should never be accessed
	})
	for i := 0; i < len(out)/2; i++ {
		out[i], out[len(out)-1-i] = out[len(out)-1-i], out[i]
	}
	return out, nil
}

func mergeConfigs(confs []config) Config {
	if len(confs) == 0 {
		// This shouldn't happen because we always have at least a
		// default config.
		panic("trying to merge zero configs")
	}
	conf := confs[0]
	for _, oconf := range confs[1:] {
		conf = conf.Merge(oconf)
	}
	return conf.cfg
}

// Load resolves the configuration visible from dir.
func Load(dir string) (Config, error) {
	confs, err := parseConfigs(dir)
	if err != nil {
		return Config{}, err
	}
	return mergeConfigs(confs), nil
}

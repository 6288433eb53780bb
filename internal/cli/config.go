package cli

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"

	apperrors "github.com/matzehuels/ray/pkg/errors"
)

// fileConfig holds option defaults read from a TOML file. Pointer fields
// distinguish "absent" from a zero value.
type fileConfig struct {
	Thresholds    []float64 `toml:"thresholds"`
	Ladder        *int64    `toml:"ladder"`
	PostLadder    *bool     `toml:"post_ladder"`
	InvertImage   *bool     `toml:"invert_image"`
	SaveWatershed string    `toml:"save_watershed"`
	Workers       *int      `toml:"workers"`
	Cache         *bool     `toml:"cache"`
	RedisAddr     string    `toml:"redis_addr"`
	CacheScope    string    `toml:"cache_scope"`
	ShowProgress  *bool     `toml:"show_progress"`
}

// loadConfig reads a config file. Unknown keys are rejected so that typos
// do not silently fall back to defaults.
func loadConfig(path string) (*fileConfig, error) {
	var cfg fileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrCodeFileNotFound, err, "config file not found: %s", path)
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeConfiguration, err, "parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, apperrors.New(apperrors.ErrCodeConfiguration, "config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return &cfg, nil
}

// applyTo copies every value from the file into f unless the matching flag
// was set on the command line.
func (cfg *fileConfig) applyTo(f *segmentFlags, changed func(name string) bool) {
	if len(cfg.Thresholds) > 0 && !changed("thresholds") {
		f.thresholds = cfg.Thresholds
	}
	if cfg.Ladder != nil && !changed("ladder") {
		f.ladder = *cfg.Ladder
		f.ladderSet = true
	}
	if cfg.PostLadder != nil && !changed("pre-ladder") && !changed("post-ladder") {
		f.postLadder = *cfg.PostLadder
	}
	if cfg.InvertImage != nil && !changed("invert-image") {
		f.invert = *cfg.InvertImage
	}
	if cfg.SaveWatershed != "" && !changed("save-watershed") {
		f.saveWatershed = cfg.SaveWatershed
	}
	if cfg.Workers != nil && !changed("workers") {
		f.workers = *cfg.Workers
	}
	if cfg.Cache != nil && !changed("no-cache") {
		f.noCache = !*cfg.Cache
	}
	if cfg.RedisAddr != "" && !changed("redis") {
		f.redisAddr = cfg.RedisAddr
	}
	if cfg.CacheScope != "" && !changed("cache-scope") {
		f.cacheScope = cfg.CacheScope
	}
	if cfg.ShowProgress != nil && !changed("show-progress") {
		f.showProgress = *cfg.ShowProgress
	}
}

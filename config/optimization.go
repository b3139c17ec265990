// Package config defines the tunables of the map optimizer and how they are loaded.
package config

import (
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/EmmanuelMess/covins/logging"
)

// LoopWeighting selects how loop edge information is derived.
type LoopWeighting string

const (
	// LoopWeightingFixed uses wt_lp_r / wt_lp_t.
	LoopWeightingFixed LoopWeighting = "fixed"
	// LoopWeightingBucket picks wt_lp_r1/2/3 by the translational covariance trace.
	LoopWeightingBucket LoopWeighting = "bucket"
	// LoopWeightingCovariance whitens with the inverse of the loop covariance.
	LoopWeightingCovariance LoopWeighting = "covariance"
)

// Trust region strategies accepted by TrustRegion.
const (
	TrustRegionDogleg             = "dogleg"
	TrustRegionLevenbergMarquardt = "levenberg_marquardt"
)

// Optimization holds every option recognized by the optimizer.
type Optimization struct {
	NumThreads int `json:"num_threads"`

	GBAIterationLimit        int     `json:"gba_iteration_limit"`
	GBAOutlierIterationLimit int     `json:"gba_outlier_iteration_limit"`
	GBAMaxTimeSec            float64 `json:"gba_max_time_sec"`
	PGOIterationLimit        int     `json:"pgo_iteration_limit"`
	LBAIterationLimit        int     `json:"lba_iteration_limit"`
	RelPoseIterationLimit    int     `json:"relpose_iteration_limit"`
	RelPoseMinInliers        int     `json:"relpose_min_inliers"`

	VisualOnly bool `json:"visual_only"`

	ThGBAOutlierGlobal float64 `json:"th_gba_outlier_global"`
	ThOutlierAlign     float64 `json:"th_outlier_align"`

	WtKFR  float64 `json:"wt_kf_r"`
	WtKFT  float64 `json:"wt_kf_t"`
	WtLpR  float64 `json:"wt_lp_r"`
	WtLpT  float64 `json:"wt_lp_t"`
	WtLpR1 float64 `json:"wt_lp_r1"`
	WtLpR2 float64 `json:"wt_lp_r2"`
	WtLpR3 float64 `json:"wt_lp_r3"`

	CovSwitch  float64 `json:"cov_switch"`
	CovSwitch2 float64 `json:"cov_switch2"`

	LoopWeighting6DoF LoopWeighting `json:"loop_weighting_6dof"`
	LoopWeighting4DoF LoopWeighting `json:"loop_weighting_4dof"`

	HuberLossScale  float64 `json:"huber_loss_scale"`
	CauchyLossScale float64 `json:"cauchy_loss_scale"`

	GBAFixPosesLoadedMaps    bool `json:"gba_fix_poses_loaded_maps"`
	GBAUseMapLoopConstraints bool `json:"gba_use_map_loop_constraints"`
	PGOFixKFsAfterGBA        bool `json:"pgo_fix_kfs_after_gba"`
	PGOFixPosesLoadedMaps    bool `json:"pgo_fix_poses_loaded_maps"`
	PGOWindowSize            int  `json:"pgo_window_size"`

	MinObservations int `json:"min_observations"`

	TrustRegion        string  `json:"trust_region"`
	FunctionTolerance  float64 `json:"function_tolerance"`
	GradientTolerance  float64 `json:"gradient_tolerance"`
	ParameterTolerance float64 `json:"parameter_tolerance"`

	// LogLevel overrides the level of the optimizer logger. Empty keeps the caller's level.
	LogLevel string `json:"log_level,omitempty"`
}

// Default returns the reference configuration.
func Default() Optimization {
	return Optimization{
		NumThreads:               4,
		GBAIterationLimit:        15,
		GBAOutlierIterationLimit: 5,
		GBAMaxTimeSec:            60,
		PGOIterationLimit:        25,
		LBAIterationLimit:        10000,
		RelPoseIterationLimit:    5,
		RelPoseMinInliers:        12,
		ThGBAOutlierGlobal:       1.0,
		ThOutlierAlign:           1.0,
		WtKFR:                    100,
		WtKFT:                    1e4,
		WtLpR:                    100,
		WtLpT:                    1e4,
		WtLpR1:                   1e3,
		WtLpR2:                   1e2,
		WtLpR3:                   1e1,
		CovSwitch:                1e-4,
		CovSwitch2:               1e-2,
		LoopWeighting6DoF:        LoopWeightingFixed,
		LoopWeighting4DoF:        LoopWeightingBucket,
		HuberLossScale:           0.1,
		CauchyLossScale:          1.0,
		GBAUseMapLoopConstraints: true,
		PGOWindowSize:            4,
		MinObservations:          2,
		TrustRegion:              TrustRegionDogleg,
		FunctionTolerance:        1e-6,
		GradientTolerance:        1e-10,
		ParameterTolerance:       1e-8,
	}
}

// GBAMaxTime returns the global bundle adjustment time budget. Zero means unbounded.
func (c *Optimization) GBAMaxTime() time.Duration {
	return time.Duration(c.GBAMaxTimeSec * float64(time.Second))
}

func newValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

func fieldPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// Validate reports every invalid option.
func (c *Optimization) Validate(path string) error {
	var errs error
	positiveInts := []struct {
		name string
		val  int
	}{
		{"num_threads", c.NumThreads},
		{"gba_iteration_limit", c.GBAIterationLimit},
		{"pgo_iteration_limit", c.PGOIterationLimit},
		{"lba_iteration_limit", c.LBAIterationLimit},
		{"relpose_iteration_limit", c.RelPoseIterationLimit},
		{"min_observations", c.MinObservations},
	}
	for _, f := range positiveInts {
		if f.val <= 0 {
			errs = multierr.Append(errs, newValidationError(fieldPath(path, f.name), errors.Errorf("must be positive, got %d", f.val)))
		}
	}
	nonNegativeInts := []struct {
		name string
		val  int
	}{
		{"gba_outlier_iteration_limit", c.GBAOutlierIterationLimit},
		{"relpose_min_inliers", c.RelPoseMinInliers},
		{"pgo_window_size", c.PGOWindowSize},
	}
	for _, f := range nonNegativeInts {
		if f.val < 0 {
			errs = multierr.Append(errs, newValidationError(fieldPath(path, f.name), errors.Errorf("must not be negative, got %d", f.val)))
		}
	}
	positiveFloats := []struct {
		name string
		val  float64
	}{
		{"th_gba_outlier_global", c.ThGBAOutlierGlobal},
		{"th_outlier_align", c.ThOutlierAlign},
		{"wt_kf_r", c.WtKFR},
		{"wt_kf_t", c.WtKFT},
		{"wt_lp_r", c.WtLpR},
		{"wt_lp_t", c.WtLpT},
		{"wt_lp_r1", c.WtLpR1},
		{"wt_lp_r2", c.WtLpR2},
		{"wt_lp_r3", c.WtLpR3},
		{"cov_switch", c.CovSwitch},
		{"cov_switch2", c.CovSwitch2},
		{"huber_loss_scale", c.HuberLossScale},
		{"cauchy_loss_scale", c.CauchyLossScale},
	}
	for _, f := range positiveFloats {
		if !(f.val > 0) {
			errs = multierr.Append(errs, newValidationError(fieldPath(path, f.name), errors.Errorf("must be positive, got %v", f.val)))
		}
	}
	nonNegativeFloats := []struct {
		name string
		val  float64
	}{
		{"gba_max_time_sec", c.GBAMaxTimeSec},
		{"function_tolerance", c.FunctionTolerance},
		{"gradient_tolerance", c.GradientTolerance},
		{"parameter_tolerance", c.ParameterTolerance},
	}
	for _, f := range nonNegativeFloats {
		if f.val < 0 {
			errs = multierr.Append(errs, newValidationError(fieldPath(path, f.name), errors.Errorf("must not be negative, got %v", f.val)))
		}
	}
	if c.CovSwitch >= c.CovSwitch2 {
		errs = multierr.Append(errs, newValidationError(fieldPath(path, "cov_switch"),
			errors.Errorf("must be below cov_switch2 (%v >= %v)", c.CovSwitch, c.CovSwitch2)))
	}
	for name, w := range map[string]LoopWeighting{
		"loop_weighting_6dof": c.LoopWeighting6DoF,
		"loop_weighting_4dof": c.LoopWeighting4DoF,
	} {
		switch w {
		case LoopWeightingFixed, LoopWeightingBucket, LoopWeightingCovariance:
		default:
			errs = multierr.Append(errs, newValidationError(fieldPath(path, name), errors.Errorf("unknown loop weighting %q", w)))
		}
	}
	switch c.TrustRegion {
	case TrustRegionDogleg, TrustRegionLevenbergMarquardt:
	default:
		errs = multierr.Append(errs, newValidationError(fieldPath(path, "trust_region"), errors.Errorf("unknown trust region %q", c.TrustRegion)))
	}
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			errs = multierr.Append(errs, newValidationError(fieldPath(path, "log_level"), err))
		}
	}
	return errs
}

// FromAttributes decodes an attribute map over the defaults and validates the result.
// Unknown keys are rejected.
func FromAttributes(attributes map[string]interface{}) (Optimization, error) {
	conf := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &conf,
		ErrorUnused: true,
	})
	if err != nil {
		return Optimization{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Optimization{}, errors.Wrap(err, "decoding optimizer attributes")
	}
	if err := conf.Validate(""); err != nil {
		return Optimization{}, err
	}
	return conf, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Optimization, error) {
	attributes := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &attributes); err != nil {
		return Optimization{}, errors.Wrap(err, "parsing optimizer yaml")
	}
	return FromAttributes(attributes)
}

// Load reads a YAML file. See Parse.
func Load(path string) (Optimization, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Optimization{}, errors.Wrapf(err, "reading %s", path)
	}
	conf, err := Parse(data)
	if err != nil {
		return Optimization{}, errors.Wrapf(err, "loading %s", path)
	}
	return conf, nil
}

package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages feature toggles with per-user gradual rollout.
// Flags are read from FEATURE_<NAME> variables: a bool switches a feature
// on or off, a number 0-100 sets its rollout percentage.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// userOverrides force a flag for one user.
	userOverrides map[int64]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent assigns users by a hash of their ID.
	RolloutPercent int
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	UserID  int64
	IsAdmin bool
}

// Predefined feature flag names.
const (
	// FeatureChangeNotifications runs the schedule change checker.
	FeatureChangeNotifications = "notify.schedule_changes"

	// FeatureDailyMailing pushes tomorrow's schedule at the user's time.
	FeatureDailyMailing = "notify.daily_mailing"

	// FeatureBuildingLocations attaches building buttons that answer with a map pin.
	FeatureBuildingLocations = "chat.building_locations"

	// FeatureAdminRelay forwards ";" messages to the admins.
	FeatureAdminRelay = "chat.admin_relay"
)

// LoadFeatureFlags creates the defaults and applies environment overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[int64]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	defaults := []Feature{
		{Name: FeatureChangeNotifications, Description: "Poll schedules and notify subscribers about changes", Enabled: true, RolloutPercent: 100},
		{Name: FeatureDailyMailing, Description: "Daily mailing of tomorrow's schedule", Enabled: true, RolloutPercent: 100},
		{Name: FeatureBuildingLocations, Description: "Building buttons that reply with a location", Enabled: true, RolloutPercent: 100},
		{Name: FeatureAdminRelay, Description: "Relay user messages to admins", Enabled: true, RolloutPercent: 100},
	}
	for i := range defaults {
		f := defaults[i]
		ff.features[f.Name] = &f
	}
}

func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey maps "chat.admin_relay" to FEATURE_CHAT_ADMIN_RELAY.
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled evaluates a flag. A nil context asks about the feature as a
// whole: any positive rollout counts as enabled.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.UserID != 0 {
		if overrides, ok := ff.userOverrides[ctx.UserID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	if ctx != nil && ctx.IsAdmin {
		return true
	}

	if feature.RolloutPercent < 100 && ctx != nil && ctx.UserID != 0 {
		return isInRollout(ctx.UserID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout places a user in a stable bucket per feature.
func isInRollout(userID int64, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	return int(h.Sum32()%100) < percent
}

// SetUserOverride forces a flag for one user.
func (ff *FeatureFlags) SetUserOverride(userID int64, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// Snapshot returns the flags sorted by name, for startup logging.
func (ff *FeatureFlags) Snapshot() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package profileauthz

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Baseline dimensions tracked per user.
const (
	dimHour       = "hour"
	dimDevice     = "device"
	dimLocation   = "location"
	dimPermission = "permission"
	dimResource   = "resource"
)

var dimensions = []string{dimHour, dimDevice, dimLocation, dimPermission, dimResource}

var deviationByDimension = map[string]DeviationType{
	dimHour:       DeviationUnusualTime,
	dimDevice:     DeviationNewDevice,
	dimLocation:   DeviationNewLocation,
	dimPermission: DeviationUnusualPermission,
	dimResource:   DeviationUnusualResource,
}

// AnomalyConfig tunes the detector. Zero fields take defaults.
type AnomalyConfig struct {
	Threshold       float64 // minimum confidence (0-100) to report
	MinObservations int
	LongAlpha       float64
	ShortAlpha      float64
	MaxDeviations   int // deviations retained per user
}

func (c AnomalyConfig) withDefaults() AnomalyConfig {
	if c.Threshold <= 0 {
		c.Threshold = 70
	}
	if c.MinObservations <= 0 {
		c.MinObservations = 10
	}
	if c.LongAlpha <= 0 || c.LongAlpha >= 1 {
		c.LongAlpha = 0.05
	}
	if c.ShortAlpha <= 0 || c.ShortAlpha >= 1 {
		c.ShortAlpha = 0.3
	}
	if c.MaxDeviations <= 0 {
		c.MaxDeviations = 100
	}
	return c
}

// AccessPattern is a snapshot of one user's rolling baseline.
// Long and Short map dimension -> bucket -> exponentially weighted frequency.
type AccessPattern struct {
	UserID          string                        `json:"user_id"`
	Observations    int                           `json:"observations"`
	Long            map[string]map[string]float64 `json:"long"`
	Short           map[string]map[string]float64 `json:"short"`
	DenialRateLong  float64                       `json:"denial_rate_long"`
	DenialRateShort float64                       `json:"denial_rate_short"`
	Deviations      []PatternDeviation            `json:"deviations,omitempty"`
}

type userPattern struct {
	mu sync.RWMutex
	AccessPattern
}

// AnomalyDetector keeps per-user baselines. Observe serializes per user;
// Detect works on snapshots and never blocks Observe for long.
type AnomalyDetector struct {
	cfg     AnomalyConfig
	clock   Clock
	metrics *Metrics
	users   sync.Map // string -> *userPattern
}

func NewAnomalyDetector(cfg AnomalyConfig, clock Clock, metrics *Metrics) *AnomalyDetector {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AnomalyDetector{cfg: cfg.withDefaults(), clock: clock, metrics: metrics}
}

func (a *AnomalyDetector) state(userID string) *userPattern {
	if v, ok := a.users.Load(userID); ok {
		return v.(*userPattern)
	}
	fresh := &userPattern{AccessPattern: AccessPattern{
		UserID: userID,
		Long:   make(map[string]map[string]float64, len(dimensions)),
		Short:  make(map[string]map[string]float64, len(dimensions)),
	}}
	v, _ := a.users.LoadOrStore(userID, fresh)
	return v.(*userPattern)
}

func observationKeys(ac *AccessContext) map[string]string {
	keys := map[string]string{
		dimPermission: string(ac.Permission),
		dimResource:   ac.Resource(),
	}
	if !ac.Timestamp.IsZero() {
		keys[dimHour] = strconv.Itoa(ac.Timestamp.Hour())
	}
	if ac.DeviceID != "" {
		keys[dimDevice] = ac.DeviceID
	}
	if loc := locationKey(ac); loc != "" {
		keys[dimLocation] = loc
	}
	return keys
}

// locationKey prefers a resolved geo attribute over the raw IP.
func locationKey(ac *AccessContext) string {
	for _, path := range []string{"geo.country", "country", "location"} {
		if v, ok := lookupPath(ac.Attributes, path); ok {
			return fmt.Sprint(v)
		}
	}
	return ac.IP
}

// Observe folds one evaluation into the user's baseline.
func (a *AnomalyDetector) Observe(ac *AccessContext, d *AccessDecision) {
	if ac.UserID == "" {
		return
	}
	st := a.state(ac.UserID)
	keys := observationKeys(ac)
	denied := 0.0
	if d.Outcome == OutcomeDenied {
		denied = 1
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.Observations++
	for dim, key := range keys {
		st.Long[dim] = ewma(st.Long[dim], key, a.cfg.LongAlpha)
		st.Short[dim] = ewma(st.Short[dim], key, a.cfg.ShortAlpha)
	}
	st.DenialRateLong = (1-a.cfg.LongAlpha)*st.DenialRateLong + a.cfg.LongAlpha*denied
	st.DenialRateShort = (1-a.cfg.ShortAlpha)*st.DenialRateShort + a.cfg.ShortAlpha*denied
}

func ewma(hist map[string]float64, key string, alpha float64) map[string]float64 {
	if hist == nil {
		hist = make(map[string]float64)
	}
	for k, v := range hist {
		v *= 1 - alpha
		if v < 1e-6 {
			delete(hist, k)
			continue
		}
		hist[k] = v
	}
	hist[key] += alpha
	return hist
}

func share(hist map[string]float64, key string) float64 {
	total := 0.0
	for _, v := range hist {
		total += v
	}
	if total == 0 {
		return 0
	}
	return hist[key] / total
}

// Baseline returns a snapshot of the user's pattern.
func (a *AnomalyDetector) Baseline(userID string) (AccessPattern, bool) {
	v, ok := a.users.Load(userID)
	if !ok {
		return AccessPattern{}, false
	}
	return v.(*userPattern).snapshot(), true
}

func (u *userPattern) snapshot() AccessPattern {
	u.mu.RLock()
	defer u.mu.RUnlock()
	cp := u.AccessPattern
	cp.Long = copyHistograms(u.Long)
	cp.Short = copyHistograms(u.Short)
	cp.Deviations = append([]PatternDeviation(nil), u.Deviations...)
	return cp
}

func copyHistograms(in map[string]map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(in))
	for dim, hist := range in {
		h := make(map[string]float64, len(hist))
		for k, v := range hist {
			h[k] = v
		}
		out[dim] = h
	}
	return out
}

// Users lists the users with a baseline, sorted.
func (a *AnomalyDetector) Users() []string {
	var out []string
	a.users.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// ContextRisk scores how far ac departs from the user's long-window baseline for time,
// location and device. It is 0 until the baseline has enough observations.
func (a *AnomalyDetector) ContextRisk(ac *AccessContext) int {
	v, ok := a.users.Load(ac.UserID)
	if !ok {
		return 0
	}
	st := v.(*userPattern)
	keys := observationKeys(ac)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.Observations < a.cfg.MinObservations {
		return 0
	}
	risk := 0
	for _, dim := range []string{dimHour, dimLocation, dimDevice} {
		key, ok := keys[dim]
		if !ok {
			continue
		}
		if share(st.Long[dim], key) < 0.05 {
			risk += 10
		}
	}
	return risk
}

// Detect compares each dimension's short window against the long-window baseline.
// A bucket whose short share exceeds its baseline share by a z-score mapped to a
// confidence above the threshold is reported.
func (a *AnomalyDetector) Detect(userID string) []PatternDeviation {
	v, ok := a.users.Load(userID)
	if !ok {
		return nil
	}
	st := v.(*userPattern)
	snap := st.snapshot()
	if snap.Observations < a.cfg.MinObservations {
		return nil
	}
	now := a.clock.Now()
	nEff := (2 - a.cfg.ShortAlpha) / a.cfg.ShortAlpha

	var found []PatternDeviation
	for _, dim := range dimensions {
		short := snap.Short[dim]
		for _, key := range sortedKeys(short) {
			ps, pl := share(short, key), share(snap.Long[dim], key)
			conf := confidence(ps, pl, nEff)
			if conf < a.cfg.Threshold {
				continue
			}
			found = append(found, PatternDeviation{
				UserID:     userID,
				Type:       deviationByDimension[dim],
				Severity:   severityFor(conf),
				Confidence: conf,
				Detail:     fmt.Sprintf("%s=%s short share %.2f vs baseline %.2f", dim, key, ps, pl),
				Timestamp:  now,
			})
		}
	}
	if conf := confidence(snap.DenialRateShort, snap.DenialRateLong, nEff); conf >= a.cfg.Threshold {
		found = append(found, PatternDeviation{
			UserID:     userID,
			Type:       DeviationDenialSpike,
			Severity:   severityFor(conf),
			Confidence: conf,
			Detail:     fmt.Sprintf("denial rate %.2f vs baseline %.2f", snap.DenialRateShort, snap.DenialRateLong),
			Timestamp:  now,
		})
	}
	if len(found) == 0 {
		return nil
	}

	st.mu.Lock()
	st.Deviations = append(st.Deviations, found...)
	if over := len(st.Deviations) - a.cfg.MaxDeviations; over > 0 {
		st.Deviations = append([]PatternDeviation(nil), st.Deviations[over:]...)
	}
	st.mu.Unlock()
	for _, d := range found {
		a.metrics.anomaly(d.Type)
	}
	return found
}

// DetectAll runs Detect for every user with a baseline.
func (a *AnomalyDetector) DetectAll() []PatternDeviation {
	var out []PatternDeviation
	for _, u := range a.Users() {
		out = append(out, a.Detect(u)...)
	}
	return out
}

// confidence maps a one-sided z-score of short share ps against baseline pl to 0-100.
func confidence(ps, pl, nEff float64) float64 {
	if ps <= pl {
		return 0
	}
	p := math.Max(pl, 0.01)
	sigma := math.Sqrt(p * (1 - p) / nEff)
	z := (ps - pl) / sigma
	return math.Min(100, z*25)
}

func severityFor(conf float64) RiskLevel {
	switch {
	case conf >= 95:
		return RiskCritical
	case conf >= 85:
		return RiskHigh
	case conf >= 75:
		return RiskMedium
	}
	return RiskLow
}

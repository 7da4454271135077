package profileauthz

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/oarkflow/date"
)

// ConditionFunc is the evaluation strategy for one condition kind. Negation is applied by the caller.
type ConditionFunc func(c Condition, ac *AccessContext) (bool, error)

// CustomPredicate backs conditions of kind custom, looked up by the condition's Field.
type CustomPredicate func(ac *AccessContext, value any) (bool, error)

// ConditionEvaluator evaluates conditions with one strategy per kind.
type ConditionEvaluator struct {
	clock      Clock
	regexes    *ristretto.Cache[string, *regexp.Regexp]
	strategies map[ConditionKind]ConditionFunc

	mu     sync.RWMutex
	custom map[string]CustomPredicate
}

// RegexCacheConfig sizes the compiled regex cache.
type RegexCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func NewConditionEvaluator(clock Clock, cacheCfg RegexCacheConfig) (*ConditionEvaluator, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if cacheCfg.NumCounters <= 0 {
		cacheCfg.NumCounters = 10_000
	}
	if cacheCfg.MaxCost <= 0 {
		cacheCfg.MaxCost = 1_000
	}
	if cacheCfg.BufferItems <= 0 {
		cacheCfg.BufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *regexp.Regexp]{
		NumCounters: cacheCfg.NumCounters,
		MaxCost:     cacheCfg.MaxCost,
		BufferItems: cacheCfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("regex cache: %w", err)
	}
	e := &ConditionEvaluator{
		clock:   clock,
		regexes: cache,
		custom:  make(map[string]CustomPredicate),
	}
	e.strategies = map[ConditionKind]ConditionFunc{
		ConditionRole:         e.evalRole,
		ConditionAttribute:    e.evalAttribute,
		ConditionTime:         e.evalTime,
		ConditionLocation:     e.evalLocation,
		ConditionRelationship: e.evalRelationship,
		ConditionSecurity:     e.evalSecurity,
		ConditionCustom:       e.evalCustom,
	}
	return e, nil
}

// RegisterCustom installs a named predicate for custom conditions.
func (e *ConditionEvaluator) RegisterCustom(name string, fn CustomPredicate) error {
	if name == "" || fn == nil {
		return &ValidationError{Object: "condition", Field: "custom", Reason: "name and predicate are required"}
	}
	e.mu.Lock()
	e.custom[name] = fn
	e.mu.Unlock()
	return nil
}

// Close releases the regex cache.
func (e *ConditionEvaluator) Close() {
	e.regexes.Close()
}

// Evaluate runs one condition. Any error yields false regardless of Negated.
func (e *ConditionEvaluator) Evaluate(c Condition, ac *AccessContext) (bool, error) {
	strategy, ok := e.strategies[c.Kind]
	if !ok {
		return false, evalErr(c.Kind, c.Field, "unknown condition kind")
	}
	ok, err := strategy(c, ac)
	if err != nil {
		var ee *EvaluationError
		if !errors.As(err, &ee) {
			err = &EvaluationError{Kind: c.Kind, Field: c.Field, Err: err}
		}
		return false, err
	}
	if c.Negated {
		return !ok, nil
	}
	return ok, nil
}

// EvaluateAll AND-combines conds. It stops at the first clean false; erroring conditions
// count as false but evaluation continues so every error is reported.
func (e *ConditionEvaluator) EvaluateAll(conds []Condition, ac *AccessContext) (bool, []error) {
	result := true
	var errs []error
	for _, c := range conds {
		ok, err := e.Evaluate(c, ac)
		if err != nil {
			errs = append(errs, err)
			result = false
			continue
		}
		if !ok {
			return false, errs
		}
	}
	return result, errs
}

// Validate checks a condition structurally and warms the regex cache.
func (e *ConditionEvaluator) Validate(c Condition) error {
	if err := ValidateCondition(c); err != nil {
		return err
	}
	if c.Operator == OpRegex {
		if _, err := e.regex(fmt.Sprint(c.Value)); err != nil {
			return &ValidationError{Object: "condition", Field: c.Field, Reason: err.Error()}
		}
	}
	return nil
}

// ValidateCondition checks kind, operator and value shape without evaluating.
func ValidateCondition(c Condition) error {
	if _, ok := knownKinds[c.Kind]; !ok {
		return &ValidationError{Object: "condition", Field: "kind", Reason: fmt.Sprintf("unknown kind %q", c.Kind)}
	}
	switch c.Operator {
	case "", OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
	case OpInRange:
		if bounds, ok := toSlice(c.Value); !ok || len(bounds) != 2 {
			return &ValidationError{Object: "condition", Field: c.Field, Reason: "in_range needs a [min, max] value"}
		}
	case OpRegex:
		if _, err := regexp.Compile(fmt.Sprint(c.Value)); err != nil {
			return &ValidationError{Object: "condition", Field: c.Field, Reason: err.Error()}
		}
	default:
		return &ValidationError{Object: "condition", Field: "operator", Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	switch c.Kind {
	case ConditionCustom:
		if c.Field == "" {
			return &ValidationError{Object: "condition", Field: "field", Reason: "custom condition needs a predicate name"}
		}
	case ConditionAttribute:
		if c.Field == "" {
			return &ValidationError{Object: "condition", Field: "field", Reason: "attribute condition needs a path"}
		}
	case ConditionRelationship:
		if s, ok := c.Value.(string); ok && !Relationship(s).Valid() {
			return &ValidationError{Object: "condition", Field: "value", Reason: fmt.Sprintf("unknown relationship %q", s)}
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return &ValidationError{Object: "condition", Field: "timezone", Reason: err.Error()}
		}
	}
	return nil
}

var knownKinds = map[ConditionKind]struct{}{
	ConditionRole: {}, ConditionAttribute: {}, ConditionTime: {}, ConditionLocation: {},
	ConditionRelationship: {}, ConditionSecurity: {}, ConditionCustom: {},
}

func (e *ConditionEvaluator) regex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes.Set(pattern, re, 1)
	return re, nil
}

// ============================================================================
// STRATEGIES
// ============================================================================

func (e *ConditionEvaluator) evalRole(c Condition, ac *AccessContext) (bool, error) {
	op := c.Operator
	if op == "" {
		op = defaultOperator(c.Value)
	}
	return e.apply(op, string(ac.Role), c.Value)
}

func (e *ConditionEvaluator) evalAttribute(c Condition, ac *AccessContext) (bool, error) {
	actual, ok := lookupPath(ac.Attributes, c.Field)
	if !ok {
		return false, evalErr(c.Kind, c.Field, "attribute not present")
	}
	op := c.Operator
	if op == "" {
		op = OpEquals
	}
	return e.apply(op, actual, c.Value)
}

// evalTime checks the request time in the condition's timezone. Field selects
// hour (default), weekday or date. Hour ranges are [start, end) and wrap past midnight.
func (e *ConditionEvaluator) evalTime(c Condition, ac *AccessContext) (bool, error) {
	ts := ac.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return false, evalErr(c.Kind, c.Field, "timezone: %v", err)
		}
		ts = ts.In(loc)
	}
	switch c.Field {
	case "", "hour":
		hour := ts.Hour()
		if c.Operator == OpInRange || c.Operator == "" {
			bounds, ok := toSlice(c.Value)
			if !ok || len(bounds) != 2 {
				return false, evalErr(c.Kind, c.Field, "hour range needs [start, end]")
			}
			start, ok1 := toFloat(bounds[0])
			end, ok2 := toFloat(bounds[1])
			if !ok1 || !ok2 {
				return false, evalErr(c.Kind, c.Field, "hour bounds must be numeric")
			}
			h := float64(hour)
			if start <= end {
				return h >= start && h < end, nil
			}
			return h >= start || h < end, nil
		}
		return e.apply(c.Operator, hour, c.Value)
	case "weekday":
		day := strings.ToLower(ts.Weekday().String())
		op := c.Operator
		if op == "" {
			op = defaultOperator(c.Value)
		}
		return e.apply(op, day, lowerAll(c.Value))
	case "date":
		bounds, ok := toSlice(c.Value)
		if !ok || len(bounds) != 2 {
			return false, evalErr(c.Kind, c.Field, "date window needs [from, until]")
		}
		from, err := parseBound(bounds[0])
		if err != nil {
			return false, evalErr(c.Kind, c.Field, "from: %v", err)
		}
		until, err := parseBound(bounds[1])
		if err != nil {
			return false, evalErr(c.Kind, c.Field, "until: %v", err)
		}
		return (from.IsZero() || !ts.Before(from)) && (until.IsZero() || ts.Before(until)), nil
	}
	return false, evalErr(c.Kind, c.Field, "unknown time field")
}

// evalLocation matches the request IP against IPs/CIDRs, or a geo attribute against a list.
func (e *ConditionEvaluator) evalLocation(c Condition, ac *AccessContext) (bool, error) {
	if c.Field == "" || c.Field == "ip" {
		ip := net.ParseIP(ac.IP)
		if ip == nil {
			return false, evalErr(c.Kind, "ip", "request ip %q is not valid", ac.IP)
		}
		switch c.Operator {
		case "", OpContains:
			return ipInList(ip, c.Value)
		case OpEquals:
			return ip.Equal(net.ParseIP(fmt.Sprint(c.Value))), nil
		case OpNotEquals:
			return !ip.Equal(net.ParseIP(fmt.Sprint(c.Value))), nil
		}
		return e.apply(c.Operator, ac.IP, c.Value)
	}
	actual, ok := lookupPath(ac.Attributes, c.Field)
	if !ok {
		return false, evalErr(c.Kind, c.Field, "location attribute not present")
	}
	op := c.Operator
	if op == "" {
		op = defaultOperator(c.Value)
	}
	return e.apply(op, actual, c.Value)
}

func ipInList(ip net.IP, value any) (bool, error) {
	list, ok := toSlice(value)
	if !ok {
		list = []any{value}
	}
	for _, item := range list {
		s := fmt.Sprint(item)
		if strings.Contains(s, "/") {
			_, cidr, err := net.ParseCIDR(s)
			if err != nil {
				return false, evalErr(ConditionLocation, "ip", "cidr %q: %v", s, err)
			}
			if cidr.Contains(ip) {
				return true, nil
			}
			continue
		}
		if ip.Equal(net.ParseIP(s)) {
			return true, nil
		}
	}
	return false, nil
}

// evalRelationship compares relationship strength. With no operator the requester must be
// at least as close as the required relationship.
func (e *ConditionEvaluator) evalRelationship(c Condition, ac *AccessContext) (bool, error) {
	if !ac.Relationship.Valid() {
		return false, evalErr(c.Kind, c.Field, "relationship %q is not resolved", ac.Relationship)
	}
	if c.Operator == OpContains {
		return e.apply(OpContains, string(ac.Relationship), c.Value)
	}
	s, _ := c.Value.(string)
	required := Relationship(s)
	if !required.Valid() {
		return false, evalErr(c.Kind, c.Field, "unknown required relationship %v", c.Value)
	}
	have, want := ac.Relationship.Strength(), required.Strength()
	switch c.Operator {
	case "":
		return have >= want, nil
	case OpEquals:
		return have == want, nil
	case OpNotEquals:
		return have != want, nil
	case OpGreaterThan:
		return have > want, nil
	case OpLessThan:
		return have < want, nil
	}
	return false, evalErr(c.Kind, c.Field, "operator %q not supported for relationships", c.Operator)
}

// evalSecurity inspects session, device and ip, then falls back to attributes such as mfa_verified.
func (e *ConditionEvaluator) evalSecurity(c Condition, ac *AccessContext) (bool, error) {
	var actual any
	switch c.Field {
	case "session_id":
		actual = ac.SessionID
	case "device_id":
		actual = ac.DeviceID
	case "ip":
		actual = ac.IP
	case "":
		return false, evalErr(c.Kind, c.Field, "security condition needs a field")
	default:
		v, ok := lookupPath(ac.Attributes, c.Field)
		if !ok {
			return false, evalErr(c.Kind, c.Field, "security attribute not present")
		}
		actual = v
	}
	op := c.Operator
	if op == "" {
		op = OpEquals
	}
	return e.apply(op, actual, c.Value)
}

func (e *ConditionEvaluator) evalCustom(c Condition, ac *AccessContext) (bool, error) {
	e.mu.RLock()
	fn, ok := e.custom[c.Field]
	e.mu.RUnlock()
	if !ok {
		return false, evalErr(c.Kind, c.Field, "no custom predicate registered")
	}
	return fn(ac, c.Value)
}

// ============================================================================
// OPERATORS
// ============================================================================

func defaultOperator(value any) Operator {
	if _, ok := toSlice(value); ok {
		return OpContains
	}
	return OpEquals
}

func (e *ConditionEvaluator) apply(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected), nil
	case OpNotEquals:
		return !valuesEqual(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpGreaterThan, OpLessThan:
		cmp, err := compareOrdered(actual, expected)
		if err != nil {
			return false, err
		}
		if op == OpGreaterThan {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case OpInRange:
		bounds, ok := toSlice(expected)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("in_range needs [min, max], got %v", expected)
		}
		lo, err := compareOrdered(actual, bounds[0])
		if err != nil {
			return false, err
		}
		hi, err := compareOrdered(actual, bounds[1])
		if err != nil {
			return false, err
		}
		return lo >= 0 && hi <= 0, nil
	case OpRegex:
		re, err := e.regex(fmt.Sprint(expected))
		if err != nil {
			return false, fmt.Errorf("regex: %w", err)
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
		return sa == fmt.Sprint(b)
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
		if sb, ok := b.(string); ok {
			pb, err := strconv.ParseBool(sb)
			return err == nil && ba == pb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// contains handles substring, slice membership, map keys and "actual in expected-list".
func contains(actual, expected any) bool {
	if list, ok := toSlice(actual); ok {
		for _, item := range list {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	}
	if list, ok := toSlice(expected); ok {
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
		return false
	}
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, fmt.Sprint(expected))
	case map[string]any:
		_, ok := a[fmt.Sprint(expected)]
		return ok
	}
	return valuesEqual(actual, expected)
}

func compareOrdered(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, err := parseBound(b)
		if err != nil {
			return 0, err
		}
		return ta.Compare(tb), nil
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func lowerAll(v any) any {
	if list, ok := toSlice(v); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = strings.ToLower(fmt.Sprint(item))
		}
		return out
	}
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return v
}

func parseBound(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return date.Parse(t)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as a time", v)
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(attrs map[string]any, path string) (any, bool) {
	if attrs == nil || path == "" {
		return nil, false
	}
	if v, ok := attrs[path]; ok {
		return v, true
	}
	var cur any = attrs
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

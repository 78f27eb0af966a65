package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/common/model"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// MatchType is the comparison a Matcher applies to a label value.
type MatchType int

const (
	MatchEqual MatchType = iota
	MatchNotEqual
	MatchRegexp
	MatchNotRegexp
)

func (t MatchType) String() string {
	switch t {
	case MatchEqual:
		return "="
	case MatchNotEqual:
		return "!="
	case MatchRegexp:
		return "=~"
	case MatchNotRegexp:
		return "!~"
	}
	return "?"
}

// Matcher selects series by one label.
type Matcher struct {
	Type  MatchType
	Name  string
	Value string
	re    *regexp.Regexp
}

// NewMatcher builds a matcher. Regular expressions are fully anchored.
func NewMatcher(t MatchType, name, value string) (*Matcher, error) {
	m := &Matcher{Type: t, Name: name, Value: value}
	if t == MatchRegexp || t == MatchNotRegexp {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid regexp for label %s: %w", name, err)
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether a label value satisfies the matcher. A missing
// label is matched as the empty string.
func (m *Matcher) Matches(v string) bool {
	switch m.Type {
	case MatchEqual:
		return v == m.Value
	case MatchNotEqual:
		return v != m.Value
	case MatchRegexp:
		return m.re.MatchString(v)
	case MatchNotRegexp:
		return !m.re.MatchString(v)
	}
	return false
}

func (m *Matcher) String() string {
	return m.Name + m.Type.String() + strconv.Quote(m.Value)
}

// ParseSelector parses a series selector such as
// dsn_data_rate{dish="DSS-14",target=~"VGR.*"}. An empty selector selects
// every series.
func ParseSelector(query string) ([]*Matcher, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	name := query
	body := ""
	if i := strings.IndexByte(query, '{'); i >= 0 {
		if !strings.HasSuffix(query, "}") {
			return nil, fmt.Errorf("selector %q: missing closing brace", query)
		}
		name = strings.TrimSpace(query[:i])
		body = query[i+1 : len(query)-1]
	}

	var matchers []*Matcher
	if name != "" {
		if !model.IsValidMetricName(model.LabelValue(name)) {
			return nil, fmt.Errorf("selector %q: invalid metric name", query)
		}
		m, _ := NewMatcher(MatchEqual, types.MetricNameLabel, name)
		matchers = append(matchers, m)
	}

	rest := strings.TrimSpace(body)
	for rest != "" {
		m, tail, err := parseMatcher(rest)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", query, err)
		}
		matchers = append(matchers, m)

		rest = strings.TrimSpace(tail)
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, fmt.Errorf("selector %q: expected ',' near %q", query, rest)
		}
		rest = strings.TrimSpace(rest[1:])
	}

	if len(matchers) == 0 {
		return nil, fmt.Errorf("selector %q: no matchers", query)
	}
	return matchers, nil
}

// parseMatcher consumes one name<op>"value" term and returns the remainder.
func parseMatcher(s string) (*Matcher, string, error) {
	end := strings.IndexAny(s, "=!")
	if end <= 0 {
		return nil, "", fmt.Errorf("expected label matcher near %q", s)
	}
	name := strings.TrimSpace(s[:end])
	if !model.LabelName(name).IsValid() {
		return nil, "", fmt.Errorf("invalid label name %q", name)
	}

	var t MatchType
	rest := s[end:]
	switch {
	case strings.HasPrefix(rest, "=~"):
		t, rest = MatchRegexp, rest[2:]
	case strings.HasPrefix(rest, "!~"):
		t, rest = MatchNotRegexp, rest[2:]
	case strings.HasPrefix(rest, "!="):
		t, rest = MatchNotEqual, rest[2:]
	case strings.HasPrefix(rest, "="):
		t, rest = MatchEqual, rest[1:]
	default:
		return nil, "", fmt.Errorf("unknown operator near %q", rest)
	}

	rest = strings.TrimSpace(rest)
	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return nil, "", fmt.Errorf("label %s: value must be a quoted string", name)
	}
	value, err := strconv.Unquote(quoted)
	if err != nil {
		return nil, "", fmt.Errorf("label %s: %w", name, err)
	}

	m, err := NewMatcher(t, name, value)
	if err != nil {
		return nil, "", err
	}
	return m, rest[len(quoted):], nil
}

// Index manages the series index. It is not safe for concurrent use; the
// storage engine guards it.
type Index struct {
	// Maps metric fingerprint to series metadata
	series map[uint64]*seriesMetadata
	// Inverted index: label name -> label value -> series IDs
	labelIndex map[string]map[string][]uint64
}

// seriesMetadata holds metadata about a single series. It is persisted as
// JSON next to the data blocks.
type seriesMetadata struct {
	ID      uint64       `json:"id"`
	Metric  types.Metric `json:"metric"`
	MinTime int64        `json:"min_time"`
	MaxTime int64        `json:"max_time"`
}

func (m *seriesMetadata) overlaps(start, end int64) bool {
	return m.MinTime <= end && m.MaxTime >= start
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:     make(map[uint64]*seriesMetadata),
		labelIndex: make(map[string]map[string][]uint64),
	}
}

// AddSeries adds a series to the index. The second result reports whether
// the series was new.
func (idx *Index) AddSeries(metric *types.Metric) (uint64, bool) {
	fingerprint := calculateFingerprint(metric)

	if meta, exists := idx.series[fingerprint]; exists {
		return meta.ID, false
	}

	idx.insert(&seriesMetadata{ID: fingerprint, Metric: *metric})
	return fingerprint, true
}

// restore inserts previously persisted metadata.
func (idx *Index) restore(data []byte) error {
	var meta seriesMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to decode series metadata: %w", err)
	}
	idx.insert(&meta)
	return nil
}

func (idx *Index) insert(meta *seriesMetadata) {
	idx.series[meta.ID] = meta

	idx.post(types.MetricNameLabel, meta.Metric.Name, meta.ID)
	for name, value := range meta.Metric.Labels {
		idx.post(name, value, meta.ID)
	}
}

func (idx *Index) post(name, value string, id uint64) {
	if idx.labelIndex[name] == nil {
		idx.labelIndex[name] = make(map[string][]uint64)
	}
	idx.labelIndex[name][value] = append(idx.labelIndex[name][value], id)
}

// GetSeries retrieves series metadata by ID
func (idx *Index) GetSeries(id uint64) (*seriesMetadata, bool) {
	meta, ok := idx.series[id]
	return meta, ok
}

// Select returns the sorted IDs of all series satisfying every matcher.
// Matchers that reject the empty string narrow the candidates through the
// inverted index; the rest are checked against each candidate's labels.
func (idx *Index) Select(matchers []*Matcher) []uint64 {
	var candidates []uint64
	narrowed := false

	for _, m := range matchers {
		if m.Matches("") {
			continue
		}
		ids := idx.postings(m)
		if !narrowed {
			candidates, narrowed = ids, true
		} else {
			candidates = intersect(candidates, ids)
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	if !narrowed {
		candidates = make([]uint64, 0, len(idx.series))
		for id := range idx.series {
			candidates = append(candidates, id)
		}
		sortIDs(candidates)
	}

	result := candidates[:0:0]
	for _, id := range candidates {
		meta := idx.series[id]
		if matchesAll(meta.Metric, matchers) {
			result = append(result, id)
		}
	}
	return result
}

// postings returns the sorted union of series whose value for the
// matcher's label satisfies it.
func (idx *Index) postings(m *Matcher) []uint64 {
	values := idx.labelIndex[m.Name]
	if m.Type == MatchEqual {
		ids := append([]uint64(nil), values[m.Value]...)
		sortIDs(ids)
		return ids
	}

	seen := make(map[uint64]struct{})
	var ids []uint64
	for value, list := range values {
		if !m.Matches(value) {
			continue
		}
		for _, id := range list {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sortIDs(ids)
	return ids
}

func matchesAll(metric types.Metric, matchers []*Matcher) bool {
	for _, m := range matchers {
		if !m.Matches(metric.Get(m.Name)) {
			return false
		}
	}
	return true
}

// UpdateTimeRange widens the time range for a series
func (idx *Index) UpdateTimeRange(id uint64, minTime, maxTime int64) error {
	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("series %d not found", id)
	}

	if meta.MinTime == 0 && meta.MaxTime == 0 {
		meta.MinTime, meta.MaxTime = minTime, maxTime
		return nil
	}
	if minTime < meta.MinTime {
		meta.MinTime = minTime
	}
	if maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
	}

	return nil
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	return len(idx.series)
}

// LabelValues returns the sorted distinct values of a label.
func (idx *Index) LabelValues(name string) []string {
	values := make([]string, 0, len(idx.labelIndex[name]))
	for v := range idx.labelIndex[name] {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// calculateFingerprint generates a stable fingerprint over the metric name
// and labels.
func calculateFingerprint(metric *types.Metric) uint64 {
	ls := make(model.LabelSet, len(metric.Labels)+1)
	for k, v := range metric.Labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	ls[model.MetricNameLabel] = model.LabelValue(metric.Name)
	return uint64(ls.Fingerprint())
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// intersect finds common elements in two sorted slices
func intersect(a, b []uint64) []uint64 {
	result := make([]uint64, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			i++
		} else if a[i] > b[j] {
			j++
		} else {
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}

// Clear clears the index
func (idx *Index) Clear() {
	idx.series = make(map[uint64]*seriesMetadata)
	idx.labelIndex = make(map[string]map[string][]uint64)
}

// Package enricher derives the classified and computed fields of the
// enriched-detail table from a RawRecord. Enrichment is deterministic and
// pure: the same record and rule tables always produce the same output.
package enricher

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"ssw-nginx-etl/pkg/types"
)

// epsilon is the floor for transfer-speed denominators (1 ms in seconds).
const epsilon = 0.001

// Anomaly tags, joined with "," in EnrichedRecord.AnomalyType.
const (
	anomalyPhaseInconsistency = "phase_inconsistency"
	anomalySlow               = "slow"
	anomalyError              = "error"
	anomalySpeedOutlier       = "speed_outlier"
)

type compiledRule struct {
	pattern *regexp.Regexp
	outputs map[string]string
}

// Enricher holds the compiled classification tables. Safe for concurrent
// use: all state is read-only after New.
type Enricher struct {
	platformRules []compiledRule
	apiRules      []compiledRule
	successCodes  map[string]bool
	slowThreshold float64
	speedCapKBps  float64
}

// New compiles the rule tables. Rules with invalid patterns are rejected so
// a bad config surfaces at startup, not per record.
func New(rules types.RulesConfig) (*Enricher, error) {
	platform, err := compileRules(rules.Platform)
	if err != nil {
		return nil, fmt.Errorf("platform rules: %w", err)
	}
	api, err := compileRules(rules.API)
	if err != nil {
		return nil, fmt.Errorf("api rules: %w", err)
	}
	success := make(map[string]bool, len(rules.SuccessCodes))
	for _, code := range rules.SuccessCodes {
		success[code] = true
	}
	return &Enricher{
		platformRules: platform,
		apiRules:      api,
		successCodes:  success,
		slowThreshold: rules.SlowThreshold,
		speedCapKBps:  rules.SpeedCapKBps,
	}, nil
}

func compileRules(rules []types.ClassifierRule) ([]compiledRule, error) {
	sorted := make([]types.ClassifierRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	compiled := make([]compiledRule, 0, len(sorted))
	for _, rule := range sorted {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{pattern: re, outputs: rule.Outputs})
	}
	return compiled, nil
}

// Enrich computes the full wide-layout record. The caller guarantees the
// raw record carries a timestamp and a status.
func (e *Enricher) Enrich(raw *types.RawRecord) *types.EnrichedRecord {
	rec := &types.EnrichedRecord{
		Timestamp: raw.Timestamp,
		Date:      raw.Timestamp.Format("2006-01-02"),
		Hour:      uint8(raw.Timestamp.Hour()),
		Minute:    uint8(raw.Timestamp.Minute()),
		Second:    uint8(raw.Timestamp.Second()),

		ClientIP:   raw.ClientIP,
		ClientPort: raw.ClientPort,
		ServerName: raw.ServerName,

		Method:      raw.Method,
		URI:         raw.URI,
		Protocol:    raw.Protocol,
		QueryString: raw.Query,

		Status:  raw.Status,
		Referer: raw.Referer,

		UserAgent:    raw.UserAgent,
		UpstreamAddr: raw.UpstreamAddr,
		CacheStatus:  raw.CacheStatus,
		ClusterNode:  raw.ClusterNode,
		AppName:      raw.AppName,
		BusinessSign: raw.BusinessSign,
		TraceID:      raw.TraceID,
	}

	if raw.ResponseBodySize != nil {
		rec.ResponseBodySize = *raw.ResponseBodySize
	}
	if raw.TotalBytesSent != nil {
		rec.TotalBytesSent = *raw.TotalBytesSent
	}
	if raw.ConnectionRequests != nil {
		rec.ConnectionRequests = *raw.ConnectionRequests
	}

	rec.NormalizedURI = NormalizeURI(raw.URI)
	e.classifyPlatform(rec)
	e.classifyAPI(rec)
	rec.RefererDomain = refererDomain(raw.Referer)

	var anomalies []string
	anomalies = e.decomposePhases(raw, rec, anomalies)
	e.computeEfficiency(raw, rec)
	anomalies = e.computeSpeeds(rec, anomalies)

	// Flags. is_success and is_error are string comparisons on the status
	// column; both false only when status is outside either set.
	rec.IsSuccess = e.successCodes[rec.Status]
	rec.IsError = statusAtLeast(rec.Status, 400)
	rec.IsSlow = rec.TotalRequestDuration > e.slowThreshold
	rec.IsInternalIP = isInternalIP(raw.ClientIP)

	if rec.IsSlow {
		anomalies = append(anomalies, anomalySlow)
	}
	if rec.IsError {
		anomalies = append(anomalies, anomalyError)
	}
	rec.HasAnomaly = len(anomalies) > 0
	rec.AnomalyType = strings.Join(anomalies, ",")

	rec.DataQualityScore = e.qualityScore(raw, rec)
	return rec
}

func (e *Enricher) classifyPlatform(rec *types.EnrichedRecord) {
	rec.Platform = "Unknown"
	rec.DeviceType = "unknown"
	rec.EntrySource = "unknown"

	if rec.UserAgent == "" {
		return
	}
	for _, rule := range e.platformRules {
		if !rule.pattern.MatchString(rec.UserAgent) {
			continue
		}
		if v, ok := rule.outputs["platform"]; ok {
			rec.Platform = v
		}
		if v, ok := rule.outputs["device_type"]; ok {
			rec.DeviceType = v
		}
		if v, ok := rule.outputs["browser_type"]; ok {
			rec.BrowserType = v
		}
		if v, ok := rule.outputs["os_type"]; ok {
			rec.OSType = v
		}
		if v, ok := rule.outputs["bot_type"]; ok {
			rec.BotType = v
		}
		if v, ok := rule.outputs["entry_source"]; ok {
			rec.EntrySource = v
		}
		rec.PlatformVersion = extractVersion(rec.UserAgent)
		return
	}
}

var versionToken = regexp.MustCompile(`/v?([0-9]+(?:\.[0-9]+)+)`)

// extractVersion pulls the first name/version token out of the user agent.
func extractVersion(userAgent string) string {
	m := versionToken.FindStringSubmatch(userAgent)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func (e *Enricher) classifyAPI(rec *types.EnrichedRecord) {
	target := rec.NormalizedURI
	if target == "" {
		target = rec.URI
	}
	for _, rule := range e.apiRules {
		if rule.pattern.MatchString(target) {
			if v, ok := rule.outputs["api_category"]; ok {
				rec.APICategory = v
				return
			}
		}
	}
	rec.APICategory = "other"
}

// decomposePhases splits total request time into the backend/nginx phases.
// Negative intermediate values mean clock skew or missing upstream data:
// the phase clamps to 0 and the record is tagged phase_inconsistency.
func (e *Enricher) decomposePhases(raw *types.RawRecord, rec *types.EnrichedRecord, anomalies []string) []string {
	var total, uConnect, uHeader, uResponse float64
	if raw.TotalRequestTime != nil {
		total = *raw.TotalRequestTime
	}
	if raw.UpstreamConnect != nil {
		uConnect = *raw.UpstreamConnect
	}
	if raw.UpstreamHeader != nil {
		uHeader = *raw.UpstreamHeader
	}
	if raw.UpstreamResponse != nil {
		uResponse = *raw.UpstreamResponse
	}

	inconsistent := false
	clamp := func(v float64) float64 {
		if v < 0 {
			inconsistent = true
			return 0
		}
		return v
	}

	rec.TotalRequestDuration = total
	rec.BackendConnectPhase = clamp(uConnect)
	rec.BackendProcessPhase = clamp(uHeader - uConnect)
	rec.BackendTransferPhase = clamp(uResponse - uHeader)
	rec.BackendTotalPhase = clamp(uResponse)
	if uResponse > 0 {
		rec.NginxTransferPhase = clamp(total - uResponse)
	} else {
		rec.NginxTransferPhase = clamp(total)
	}
	rec.NetworkPhase = rec.BackendConnectPhase + rec.NginxTransferPhase
	rec.ProcessingPhase = rec.BackendProcessPhase
	rec.TransferPhase = rec.BackendTransferPhase + rec.NginxTransferPhase

	if inconsistent {
		anomalies = append(anomalies, anomalyPhaseInconsistency)
	}
	return anomalies
}

func (e *Enricher) computeEfficiency(raw *types.RawRecord, rec *types.EnrichedRecord) {
	total := rec.TotalRequestDuration
	if total <= 0 {
		return
	}
	rec.BackendEfficiency = 100 * rec.BackendProcessPhase / total
	rec.NetworkOverhead = 100 * rec.NetworkPhase / total
	rec.TransferRatio = 100 * rec.TransferPhase / total
	rec.ConnectionCostRatio = 100 * rec.BackendConnectPhase / total

	denom := total
	if raw.UpstreamResponse != nil && *raw.UpstreamResponse > denom {
		denom = *raw.UpstreamResponse
	}
	pei := 100 * rec.BackendProcessPhase / denom
	if pei > 100 {
		pei = 100
	}
	rec.ProcessingEfficiencyIndex = pei
}

func (e *Enricher) computeSpeeds(rec *types.EnrichedRecord, anomalies []string) []string {
	bodyKB := float64(rec.ResponseBodySize) / 1024.0
	totalKB := float64(rec.TotalBytesSent) / 1024.0

	capped := false
	speed := func(kb, secs float64) float64 {
		if kb <= 0 {
			return 0
		}
		if secs < epsilon {
			secs = epsilon
		}
		v := kb / secs
		if e.speedCapKBps > 0 && v > e.speedCapKBps {
			capped = true
			return e.speedCapKBps
		}
		return v
	}

	rec.ResponseTransferSpeed = speed(bodyKB, rec.BackendTransferPhase)
	rec.TotalTransferSpeed = speed(totalKB, rec.TotalRequestDuration)
	rec.NginxTransferSpeed = speed(totalKB, rec.NginxTransferPhase)

	if capped {
		anomalies = append(anomalies, anomalySpeedOutlier)
	}
	return anomalies
}

// qualityScore starts at 1.0 and deducts for missing or inconsistent data.
func (e *Enricher) qualityScore(raw *types.RawRecord, rec *types.EnrichedRecord) float64 {
	score := 1.0

	if raw.UserAgent == "" {
		score -= 0.1
	}
	// A missing referer costs 0.05 unless the navigation is same-origin
	// (the referer host resolves to the serving host, which never leaves
	// the field blank) or direct app traffic, which sends none at all.
	if raw.Referer == "" && !sameOriginReferer(rec) && rec.EntrySource != "app" {
		score -= 0.05
	}
	if statusIs2xx(rec.Status) && raw.UpstreamResponse == nil && raw.UpstreamHeader == nil && raw.UpstreamConnect == nil {
		score -= 0.2
	}
	if strings.Contains(rec.AnomalyType, anomalyPhaseInconsistency) {
		score -= 0.3
	}
	if rec.Platform == "Unknown" {
		score -= 0.05
	}

	if score < 0 {
		score = 0
	}
	return score
}

// statusAtLeast compares the 3-digit status string numerically without
// leaving the string contract. Non-numeric statuses compare false.
func statusAtLeast(status string, min int) bool {
	if len(status) != 3 {
		return false
	}
	n := 0
	for i := 0; i < 3; i++ {
		c := status[i]
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n >= min
}

func statusIs2xx(status string) bool {
	return len(status) == 3 && status[0] == '2'
}

// sameOriginReferer reports whether the referer resolves to the host that
// served the request.
func sameOriginReferer(rec *types.EnrichedRecord) bool {
	return rec.RefererDomain != "" && strings.EqualFold(rec.RefererDomain, rec.ServerName)
}

func refererDomain(referer string) string {
	if referer == "" || referer == "-" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isInternalIP(addr string) bool {
	if addr == "" {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

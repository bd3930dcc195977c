// Package parser turns nginx access-log lines into normalized RawRecords.
//
// Two wire formats are recognized: the base-platform key-value text format
// (`key:"value"` tokens in any order) and one flat JSON object per line.
// Both feed the same source-key → canonical-field mapping table.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ssw-nginx-etl/pkg/types"
)

// Parse recognizes a single log line. It never panics and never returns an
// error value: the outcome is a record, a failure marker, or neither when
// the line is skippable (empty, one byte, comment).
func Parse(line string, hint types.Format) (*types.RawRecord, *types.ParseFailure) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) <= 1 || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}

	format := hint
	if format == types.FormatAuto || format == "" {
		if trimmed[0] == '{' {
			format = types.FormatJSON
		} else {
			format = types.FormatKVText
		}
	}

	var fields map[string]string
	var err error
	switch format {
	case types.FormatJSON:
		fields, err = tokenizeJSON(trimmed)
	default:
		fields, err = tokenizeKV(trimmed)
	}
	if err != nil {
		return nil, &types.ParseFailure{Line: truncate(trimmed, 120), Reason: err.Error()}
	}
	if len(fields) == 0 {
		return nil, &types.ParseFailure{Line: truncate(trimmed, 120), Reason: "no recognizable fields"}
	}

	record, err := mapFields(fields)
	if err != nil {
		return nil, &types.ParseFailure{Line: truncate(trimmed, 120), Reason: err.Error()}
	}
	return record, nil
}

// tokenizeKV splits `key:"value"` tokens. Values may contain spaces and
// escaped quotes; keys may repeat (last wins); token order is free.
func tokenizeKV(line string) (map[string]string, error) {
	fields := make(map[string]string, 24)
	i := 0
	n := len(line)
	for i < n {
		// skip separators
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}
		// key runs to the first colon
		keyStart := i
		for i < n && line[i] != ':' {
			i++
		}
		if i >= n {
			break
		}
		key := strings.TrimSpace(line[keyStart:i])
		i++ // consume ':'
		if i >= n || line[i] != '"' {
			// bare value (rare); runs to next space
			valStart := i
			for i < n && line[i] != ' ' {
				i++
			}
			if key != "" {
				fields[key] = line[valStart:i]
			}
			continue
		}
		i++ // consume opening quote
		var value strings.Builder
		for i < n {
			if line[i] == '\\' && i+1 < n {
				value.WriteByte(line[i+1])
				i += 2
				continue
			}
			if line[i] == '"' {
				break
			}
			value.WriteByte(line[i])
			i++
		}
		if i >= n {
			return nil, fmt.Errorf("unterminated quoted value for key %q", key)
		}
		i++ // consume closing quote
		if key != "" {
			fields[key] = value.String()
		}
	}
	return fields, nil
}

// tokenizeJSON flattens one JSON object into string fields. Numeric values
// may arrive as JSON numbers or strings; both coerce to strings here and
// are re-parsed by the mapping layer.
func tokenizeJSON(line string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %v", err)
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		case nil:
			// absent
		default:
			// nested objects are not part of the contract; keep the raw form
			// for diagnostics
			b, _ := json.Marshal(val)
			fields[k] = string(b)
		}
	}
	return fields, nil
}

// canonicalKeys maps every known source key to its canonical field. Keys not
// listed here land in Extras.
var canonicalKeys = map[string]string{
	"time":                   "timestamp",
	"timestamp":              "timestamp",
	"time_iso8601":           "timestamp",
	"remote_addr":            "client_ip",
	"client_ip":              "client_ip",
	"remote_port":            "client_port",
	"http_host":              "server_name",
	"host":                   "server_name",
	"server_name":            "server_name",
	"request":                "request",
	"request_method":         "method",
	"method":                 "method",
	"request_uri":            "full_uri",
	"uri":                    "full_uri",
	"request_protocol":       "protocol",
	"status":                 "status",
	"body":                   "response_body_size",
	"body_bytes":             "response_body_size",
	"body_bytes_sent":        "response_body_size",
	"bytes":                  "total_bytes_sent",
	"bytes_sent":             "total_bytes_sent",
	"referer":                "referer",
	"http_referer":           "referer",
	"agent":                  "user_agent",
	"user_agent":             "user_agent",
	"http_user_agent":        "user_agent",
	"upstream_addr":          "upstream_addr",
	"upstream_connect_time":  "upstream_connect_time",
	"upstream_header_time":   "upstream_header_time",
	"upstream_response_time": "upstream_response_time",
	"ar_time":                "total_request_duration",
	"request_time":           "total_request_duration",
	"query_string":           "query_string",
	"args":                   "query_string",
	"connection_requests":    "connection_requests",
	"trace_id":               "trace_id",
	"request_id":             "trace_id",
	"business_sign":          "business_sign",
	"app_name":               "app_name",
	"service":                "app_name",
	"service_name":           "app_name",
	"cache_status":           "cache_status",
	"upstream_cache_status":  "cache_status",
	"cluster_node":           "cluster_node",
	"node":                   "cluster_node",
}

// timestampLayouts are tried in order. The canonical source carries an
// ISO-8601 string with timezone offset.
var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func mapFields(fields map[string]string) (*types.RawRecord, error) {
	record := &types.RawRecord{}

	for key, value := range fields {
		canonical, known := canonicalKeys[key]
		if !known {
			if record.Extras == nil {
				record.Extras = make(map[string]string, 4)
			}
			record.Extras[key] = value
			continue
		}
		if value == "" {
			continue
		}
		switch canonical {
		case "timestamp":
			ts, err := parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			record.Timestamp = ts
		case "client_ip":
			record.ClientIP = value
		case "client_port":
			record.ClientPort = value
		case "server_name":
			record.ServerName = value
		case "request":
			applyRequestLine(record, value)
		case "method":
			record.Method = value
		case "full_uri":
			applyFullURI(record, value)
		case "protocol":
			record.Protocol = value
		case "status":
			if value != "-" {
				record.Status = value
			}
		case "referer":
			if value != "-" {
				record.Referer = value
			}
		case "user_agent":
			if value != "-" {
				record.UserAgent = value
			}
		case "upstream_addr":
			if value != "-" {
				record.UpstreamAddr = value
			}
		case "cache_status":
			record.CacheStatus = value
		case "cluster_node":
			record.ClusterNode = value
		case "app_name":
			record.AppName = value
		case "business_sign":
			record.BusinessSign = value
		case "trace_id":
			record.TraceID = value
		case "query_string":
			if record.Query == "" && value != "-" {
				record.Query = value
			}
		case "response_body_size":
			record.ResponseBodySize = parseBytes(value)
		case "total_bytes_sent":
			record.TotalBytesSent = parseBytes(value)
		case "connection_requests":
			record.ConnectionRequests = parseBytes(value)
		case "total_request_duration":
			record.TotalRequestTime = parseSeconds(value)
		case "upstream_connect_time":
			record.UpstreamConnect = parseSeconds(value)
		case "upstream_header_time":
			record.UpstreamHeader = parseSeconds(value)
		case "upstream_response_time":
			record.UpstreamResponse = parseSeconds(value)
		}
	}

	if record.Timestamp.IsZero() {
		return nil, fmt.Errorf("missing or unparseable timestamp")
	}
	// Missing status with a usable request still parses; the enricher routes
	// it to failure accounting downstream.
	return record, nil
}

// applyRequestLine splits `METHOD URI HTTP/x.y`. Malformed request lines
// keep whatever prefix is usable instead of failing the whole line.
func applyRequestLine(record *types.RawRecord, value string) {
	parts := strings.SplitN(value, " ", 3)
	if len(parts) >= 1 && parts[0] != "" && parts[0] != "-" {
		record.Method = parts[0]
	}
	if len(parts) >= 2 {
		applyFullURI(record, parts[1])
	}
	if len(parts) == 3 {
		record.Protocol = parts[2]
	}
}

func applyFullURI(record *types.RawRecord, value string) {
	record.FullURI = value
	if idx := strings.IndexByte(value, '?'); idx >= 0 {
		record.URI = value[:idx]
		record.Query = value[idx+1:]
	} else {
		record.URI = value
	}
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	// epoch seconds, possibly fractional
	if sec, err := strconv.ParseFloat(value, 64); err == nil && sec > 1e9 {
		return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// parseSeconds handles fractional seconds. `-` means absent, never zero.
// nginx may emit comma-separated upstream times on retries; the last value
// belongs to the upstream that answered.
func parseSeconds(value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" || value == "-" {
		return nil
	}
	if idx := strings.LastIndexByte(value, ','); idx >= 0 {
		value = strings.TrimSpace(value[idx+1:])
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseBytes(value string) *int64 {
	value = strings.TrimSpace(value)
	if value == "" || value == "-" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// tolerate numeric strings with a fractional part from JSON coercion
		if f, ferr := strconv.ParseFloat(value, 64); ferr == nil {
			n = int64(f)
		} else {
			return nil
		}
	}
	return &n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

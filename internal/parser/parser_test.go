package parser

import (
	"testing"
	"time"

	"ssw-nginx-etl/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKVLine(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" remote_addr:"10.0.0.1" remote_port:"51234" ` +
		`http_host:"api.example.com" request:"GET /api/v1/users?id=42 HTTP/1.1" status:"200" ` +
		`body:"123" bytes:"456" ar_time:"0.150" upstream_connect_time:"0.010" ` +
		`upstream_header_time:"0.130" upstream_response_time:"0.140" agent:"zgt-ios/1.4.1" ` +
		`referer:"-" upstream_addr:"10.1.1.1:8080"`

	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	require.NotNil(t, rec)

	assert.Equal(t, "10.0.0.1", rec.ClientIP)
	assert.Equal(t, "51234", rec.ClientPort)
	assert.Equal(t, "api.example.com", rec.ServerName)
	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, "/api/v1/users", rec.URI)
	assert.Equal(t, "id=42", rec.Query)
	assert.Equal(t, "HTTP/1.1", rec.Protocol)
	assert.Equal(t, "200", rec.Status)
	assert.Equal(t, "zgt-ios/1.4.1", rec.UserAgent)
	assert.Equal(t, "10.1.1.1:8080", rec.UpstreamAddr)
	assert.Empty(t, rec.Referer, "dash referer means absent")

	require.NotNil(t, rec.ResponseBodySize)
	assert.Equal(t, int64(123), *rec.ResponseBodySize)
	require.NotNil(t, rec.TotalBytesSent)
	assert.Equal(t, int64(456), *rec.TotalBytesSent)
	require.NotNil(t, rec.TotalRequestTime)
	assert.InDelta(t, 0.150, *rec.TotalRequestTime, 1e-9)
	require.NotNil(t, rec.UpstreamConnect)
	assert.InDelta(t, 0.010, *rec.UpstreamConnect, 1e-9)

	want := time.Date(2025, 8, 29, 7, 15, 37, 0, time.FixedZone("", 8*3600))
	assert.True(t, rec.Timestamp.Equal(want))
}

func TestParseJSONLine(t *testing.T) {
	line := `{"time":"2025-08-29T07:15:37+08:00","remote_addr":"10.0.0.1",` +
		`"request":"GET /api/v1/users?id=42 HTTP/1.1","status":"200","body":"123",` +
		`"ar_time":"0.150","upstream_response_time":"0.140","upstream_header_time":"0.130",` +
		`"upstream_connect_time":"0.010","agent":"zgt-ios/1.4.1"}`

	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	require.NotNil(t, rec)

	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, "/api/v1/users", rec.URI)
	assert.Equal(t, "200", rec.Status)
	require.NotNil(t, rec.UpstreamHeader)
	assert.InDelta(t, 0.130, *rec.UpstreamHeader, 1e-9)
}

func TestParseJSONNumericValues(t *testing.T) {
	line := `{"time":"2025-08-29T07:15:37+08:00","status":200,"body":123,"ar_time":0.25}`

	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, "200", rec.Status)
	require.NotNil(t, rec.ResponseBodySize)
	assert.Equal(t, int64(123), *rec.ResponseBodySize)
	require.NotNil(t, rec.TotalRequestTime)
	assert.InDelta(t, 0.25, *rec.TotalRequestTime, 1e-9)
}

func TestParseSkippableLines(t *testing.T) {
	for _, line := range []string{"", " ", "\t", "x", "# comment line"} {
		rec, failure := Parse(line, types.FormatAuto)
		assert.Nil(t, rec, "line %q", line)
		assert.Nil(t, failure, "line %q", line)
	}
}

func TestParseMalformedLine(t *testing.T) {
	rec, failure := Parse("not a log", types.FormatAuto)
	assert.Nil(t, rec)
	require.NotNil(t, failure)
	assert.NotEmpty(t, failure.Reason)
}

func TestParseInvalidJSON(t *testing.T) {
	rec, failure := Parse(`{"time":"2025-08-29T07:15:37+08:00",`, types.FormatAuto)
	assert.Nil(t, rec)
	require.NotNil(t, failure)
	assert.Contains(t, failure.Reason, "invalid JSON")
}

func TestParseMissingTimestampFails(t *testing.T) {
	rec, failure := Parse(`status:"200" body:"10"`, types.FormatAuto)
	assert.Nil(t, rec)
	require.NotNil(t, failure)
	assert.Contains(t, failure.Reason, "timestamp")
}

func TestParseMissingStatusStillParses(t *testing.T) {
	rec, failure := Parse(`time:"2025-08-29T07:15:37+08:00" body:"10"`, types.FormatAuto)
	require.Nil(t, failure)
	require.NotNil(t, rec)
	assert.Empty(t, rec.Status)
}

func TestParseUpstreamRetryListTakesLast(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" status:"200" upstream_response_time:"0.050, 0.140"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	require.NotNil(t, rec.UpstreamResponse)
	assert.InDelta(t, 0.140, *rec.UpstreamResponse, 1e-9)
}

func TestParseDashNumericsAreAbsent(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" status:"304" body:"-" upstream_connect_time:"-"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Nil(t, rec.ResponseBodySize)
	assert.Nil(t, rec.UpstreamConnect)
}

func TestParseEscapedQuoteInValue(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" status:"200" agent:"Mozilla \"5.0\" test"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, `Mozilla "5.0" test`, rec.UserAgent)
}

func TestParseUnterminatedQuoteFails(t *testing.T) {
	rec, failure := Parse(`time:"2025-08-29T07:15:37+08:00" agent:"broken`, types.FormatAuto)
	assert.Nil(t, rec)
	require.NotNil(t, failure)
	assert.Contains(t, failure.Reason, "unterminated")
}

func TestParseRepeatedKeyLastWins(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" status:"500" status:"200"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, "200", rec.Status)
}

func TestParseUnknownKeysLandInExtras(t *testing.T) {
	line := `time:"2025-08-29T07:15:37+08:00" status:"200" some_custom:"value"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, "value", rec.Extras["some_custom"])
}

func TestParseEpochTimestamp(t *testing.T) {
	rec, failure := Parse(`{"time":1756422937.5,"status":"200"}`, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, int64(1756422937), rec.Timestamp.Unix())
}

func TestParseCommonLogTimestamp(t *testing.T) {
	line := `time:"29/Aug/2025:07:15:37 +0800" status:"200"`
	rec, failure := Parse(line, types.FormatAuto)
	require.Nil(t, failure)
	assert.Equal(t, 2025, rec.Timestamp.Year())
	assert.Equal(t, time.August, rec.Timestamp.Month())
}

func TestParseFormatHintForcesKV(t *testing.T) {
	// A line starting with '{' but hinted as kv-text goes through the kv
	// tokenizer and fails to produce a timestamp.
	rec, failure := Parse(`{"time":"2025-08-29T07:15:37+08:00"}`, types.FormatKVText)
	assert.Nil(t, rec)
	assert.NotNil(t, failure)
}

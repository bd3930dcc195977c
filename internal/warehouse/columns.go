package warehouse

import "ssw-nginx-etl/pkg/types"

// Column descriptors pair a warehouse column name with its value extractor.
// The insert column list is the intersection of this canonical (wide) list
// with the live table: a narrower legacy layout drops the missing columns
// with one startup warning instead of failing every insert.

type enrichedColumn struct {
	name  string
	value func(r *types.EnrichedRecord) interface{}
}

func boolColumn(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

var enrichedColumns = []enrichedColumn{
	{"id", func(r *types.EnrichedRecord) interface{} { return r.ID }},
	{"time", func(r *types.EnrichedRecord) interface{} { return r.Timestamp }},
	{"date", func(r *types.EnrichedRecord) interface{} { return r.Date }},
	{"hour", func(r *types.EnrichedRecord) interface{} { return r.Hour }},
	{"minute", func(r *types.EnrichedRecord) interface{} { return r.Minute }},
	{"second", func(r *types.EnrichedRecord) interface{} { return r.Second }},
	{"client_ip", func(r *types.EnrichedRecord) interface{} { return r.ClientIP }},
	{"client_port", func(r *types.EnrichedRecord) interface{} { return r.ClientPort }},
	{"server_name", func(r *types.EnrichedRecord) interface{} { return r.ServerName }},
	{"method", func(r *types.EnrichedRecord) interface{} { return r.Method }},
	{"uri", func(r *types.EnrichedRecord) interface{} { return r.URI }},
	{"normalized_uri", func(r *types.EnrichedRecord) interface{} { return r.NormalizedURI }},
	{"protocol", func(r *types.EnrichedRecord) interface{} { return r.Protocol }},
	{"query_string", func(r *types.EnrichedRecord) interface{} { return r.QueryString }},
	{"status", func(r *types.EnrichedRecord) interface{} { return r.Status }},
	{"referer", func(r *types.EnrichedRecord) interface{} { return r.Referer }},
	{"referer_domain", func(r *types.EnrichedRecord) interface{} { return r.RefererDomain }},
	{"user_agent", func(r *types.EnrichedRecord) interface{} { return r.UserAgent }},
	{"upstream_addr", func(r *types.EnrichedRecord) interface{} { return r.UpstreamAddr }},
	{"cache_status", func(r *types.EnrichedRecord) interface{} { return r.CacheStatus }},
	{"cluster_node", func(r *types.EnrichedRecord) interface{} { return r.ClusterNode }},
	{"app_name", func(r *types.EnrichedRecord) interface{} { return r.AppName }},
	{"business_sign", func(r *types.EnrichedRecord) interface{} { return r.BusinessSign }},
	{"trace_id", func(r *types.EnrichedRecord) interface{} { return r.TraceID }},
	{"response_body_size", func(r *types.EnrichedRecord) interface{} { return r.ResponseBodySize }},
	{"total_bytes_sent", func(r *types.EnrichedRecord) interface{} { return r.TotalBytesSent }},
	{"connection_requests", func(r *types.EnrichedRecord) interface{} { return r.ConnectionRequests }},
	{"platform", func(r *types.EnrichedRecord) interface{} { return r.Platform }},
	{"platform_version", func(r *types.EnrichedRecord) interface{} { return r.PlatformVersion }},
	{"device_type", func(r *types.EnrichedRecord) interface{} { return r.DeviceType }},
	{"browser_type", func(r *types.EnrichedRecord) interface{} { return r.BrowserType }},
	{"os_type", func(r *types.EnrichedRecord) interface{} { return r.OSType }},
	{"bot_type", func(r *types.EnrichedRecord) interface{} { return r.BotType }},
	{"entry_source", func(r *types.EnrichedRecord) interface{} { return r.EntrySource }},
	{"api_category", func(r *types.EnrichedRecord) interface{} { return r.APICategory }},
	{"total_request_duration", func(r *types.EnrichedRecord) interface{} { return r.TotalRequestDuration }},
	{"backend_connect_phase", func(r *types.EnrichedRecord) interface{} { return r.BackendConnectPhase }},
	{"backend_process_phase", func(r *types.EnrichedRecord) interface{} { return r.BackendProcessPhase }},
	{"backend_transfer_phase", func(r *types.EnrichedRecord) interface{} { return r.BackendTransferPhase }},
	{"backend_total_phase", func(r *types.EnrichedRecord) interface{} { return r.BackendTotalPhase }},
	{"nginx_transfer_phase", func(r *types.EnrichedRecord) interface{} { return r.NginxTransferPhase }},
	{"network_phase", func(r *types.EnrichedRecord) interface{} { return r.NetworkPhase }},
	{"processing_phase", func(r *types.EnrichedRecord) interface{} { return r.ProcessingPhase }},
	{"transfer_phase", func(r *types.EnrichedRecord) interface{} { return r.TransferPhase }},
	{"backend_efficiency", func(r *types.EnrichedRecord) interface{} { return r.BackendEfficiency }},
	{"network_overhead", func(r *types.EnrichedRecord) interface{} { return r.NetworkOverhead }},
	{"transfer_ratio", func(r *types.EnrichedRecord) interface{} { return r.TransferRatio }},
	{"connection_cost_ratio", func(r *types.EnrichedRecord) interface{} { return r.ConnectionCostRatio }},
	{"processing_efficiency_index", func(r *types.EnrichedRecord) interface{} { return r.ProcessingEfficiencyIndex }},
	{"response_transfer_speed", func(r *types.EnrichedRecord) interface{} { return r.ResponseTransferSpeed }},
	{"total_transfer_speed", func(r *types.EnrichedRecord) interface{} { return r.TotalTransferSpeed }},
	{"nginx_transfer_speed", func(r *types.EnrichedRecord) interface{} { return r.NginxTransferSpeed }},
	{"is_success", func(r *types.EnrichedRecord) interface{} { return boolColumn(r.IsSuccess) }},
	{"is_slow", func(r *types.EnrichedRecord) interface{} { return boolColumn(r.IsSlow) }},
	{"is_error", func(r *types.EnrichedRecord) interface{} { return boolColumn(r.IsError) }},
	{"has_anomaly", func(r *types.EnrichedRecord) interface{} { return boolColumn(r.HasAnomaly) }},
	{"is_internal_ip", func(r *types.EnrichedRecord) interface{} { return boolColumn(r.IsInternalIP) }},
	{"anomaly_type", func(r *types.EnrichedRecord) interface{} { return r.AnomalyType }},
	{"data_quality_score", func(r *types.EnrichedRecord) interface{} { return r.DataQualityScore }},
}

type rawColumn struct {
	name  string
	value func(r *types.RawRecord) interface{}
}

var rawColumns = []rawColumn{
	{"id", func(r *types.RawRecord) interface{} { return r.ID }},
	{"time", func(r *types.RawRecord) interface{} { return r.Timestamp }},
	{"date", func(r *types.RawRecord) interface{} { return r.Timestamp.Format("2006-01-02") }},
	{"hour", func(r *types.RawRecord) interface{} { return uint8(r.Timestamp.Hour()) }},
	{"server_name", func(r *types.RawRecord) interface{} { return r.ServerName }},
	{"client_ip", func(r *types.RawRecord) interface{} { return r.ClientIP }},
	{"client_port", func(r *types.RawRecord) interface{} { return r.ClientPort }},
	{"method", func(r *types.RawRecord) interface{} { return r.Method }},
	{"uri", func(r *types.RawRecord) interface{} { return r.URI }},
	{"full_uri", func(r *types.RawRecord) interface{} { return r.FullURI }},
	{"protocol", func(r *types.RawRecord) interface{} { return r.Protocol }},
	{"query_string", func(r *types.RawRecord) interface{} { return r.Query }},
	{"status", func(r *types.RawRecord) interface{} { return r.Status }},
	{"response_body_size", func(r *types.RawRecord) interface{} { return r.ResponseBodySize }},
	{"total_bytes_sent", func(r *types.RawRecord) interface{} { return r.TotalBytesSent }},
	{"connection_requests", func(r *types.RawRecord) interface{} { return r.ConnectionRequests }},
	{"referer", func(r *types.RawRecord) interface{} { return r.Referer }},
	{"user_agent", func(r *types.RawRecord) interface{} { return r.UserAgent }},
	{"upstream_addr", func(r *types.RawRecord) interface{} { return r.UpstreamAddr }},
	{"upstream_connect_time", func(r *types.RawRecord) interface{} { return r.UpstreamConnect }},
	{"upstream_header_time", func(r *types.RawRecord) interface{} { return r.UpstreamHeader }},
	{"upstream_response_time", func(r *types.RawRecord) interface{} { return r.UpstreamResponse }},
	{"total_request_duration", func(r *types.RawRecord) interface{} { return r.TotalRequestTime }},
	{"trace_id", func(r *types.RawRecord) interface{} { return r.TraceID }},
	{"business_sign", func(r *types.RawRecord) interface{} { return r.BusinessSign }},
	{"app_name", func(r *types.RawRecord) interface{} { return r.AppName }},
	{"cache_status", func(r *types.RawRecord) interface{} { return r.CacheStatus }},
	{"cluster_node", func(r *types.RawRecord) interface{} { return r.ClusterNode }},
}

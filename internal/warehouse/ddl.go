package warehouse

import "fmt"

// The client consumes this DDL contract; the warehouse owns the hourly and
// daily aggregates through materialized views and is authoritative for
// them. Bootstrap only ships the two tables the ETL writes.

func rawTableDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id                      UInt64,
    time                    DateTime,
    date                    Date,
    hour                    UInt8,
    server_name             LowCardinality(String),
    client_ip               String,
    client_port             String,
    method                  LowCardinality(String),
    uri                     String,
    full_uri                String,
    protocol                LowCardinality(String),
    query_string            String,
    status                  LowCardinality(String),
    response_body_size      Nullable(Int64),
    total_bytes_sent        Nullable(Int64),
    connection_requests     Nullable(Int64),
    referer                 String,
    user_agent              String,
    upstream_addr           String,
    upstream_connect_time   Nullable(Float64),
    upstream_header_time    Nullable(Float64),
    upstream_response_time  Nullable(Float64),
    total_request_duration  Nullable(Float64),
    trace_id                String,
    business_sign           LowCardinality(String),
    app_name                LowCardinality(String),
    cache_status            LowCardinality(String),
    cluster_node            LowCardinality(String)
) ENGINE = ReplacingMergeTree
PARTITION BY date
ORDER BY (date, hour, server_name, client_ip, time, id)
`, table)
}

func enrichedTableDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id                          UInt64,
    time                        DateTime,
    date                        Date,
    hour                        UInt8,
    minute                      UInt8,
    second                      UInt8,
    client_ip                   String,
    client_port                 String,
    server_name                 LowCardinality(String),
    method                      LowCardinality(String),
    uri                         String,
    normalized_uri              String,
    protocol                    LowCardinality(String),
    query_string                String,
    status                      LowCardinality(String),
    referer                     String,
    referer_domain              String,
    user_agent                  String,
    upstream_addr               String,
    cache_status                LowCardinality(String),
    cluster_node                LowCardinality(String),
    app_name                    LowCardinality(String),
    business_sign               LowCardinality(String),
    trace_id                    String,
    response_body_size          Int64,
    total_bytes_sent            Int64,
    connection_requests         Int64,
    platform                    LowCardinality(String),
    platform_version            LowCardinality(String),
    device_type                 LowCardinality(String),
    browser_type                LowCardinality(String),
    os_type                     LowCardinality(String),
    bot_type                    LowCardinality(String),
    entry_source                LowCardinality(String),
    api_category                LowCardinality(String),
    total_request_duration      Float64,
    backend_connect_phase       Float64,
    backend_process_phase       Float64,
    backend_transfer_phase      Float64,
    backend_total_phase         Float64,
    nginx_transfer_phase        Float64,
    network_phase               Float64,
    processing_phase            Float64,
    transfer_phase              Float64,
    backend_efficiency          Float64,
    network_overhead            Float64,
    transfer_ratio              Float64,
    connection_cost_ratio       Float64,
    processing_efficiency_index Float64,
    response_transfer_speed     Float64,
    total_transfer_speed        Float64,
    nginx_transfer_speed        Float64,
    is_success                  UInt8,
    is_slow                     UInt8,
    is_error                    UInt8,
    has_anomaly                 UInt8,
    is_internal_ip              UInt8,
    anomaly_type                LowCardinality(String),
    data_quality_score          Float64
) ENGINE = ReplacingMergeTree
PARTITION BY date
ORDER BY (date, hour, api_category, platform, time, id)
`, table)
}

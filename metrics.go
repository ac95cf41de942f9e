package pagestore

const (
	MetricCommit               = "commit_total"
	MetricCommitConflict       = "commit_conflict_total"
	MetricCommitRetry          = "commit_retry_total"
	MetricCommitDuration       = "commit_duration_seconds"
	MetricCommitPages          = "commit_pages"
	MetricMultiPhaseCommit     = "multiphase_commit_total"
	MetricMultiPhaseRecover    = "multiphase_recover_total"
	MetricPageRead             = "page_read_total"
	MetricCacheHit             = "cache_hit_total"
	MetricCacheMiss            = "cache_miss_total"
	MetricGCPass               = "gc_pass_total"
	MetricGCVersionsCollected  = "gc_versions_collected_total"
	MetricGCBlobsCollected     = "gc_blobs_collected_total"
	MetricGCCommitsCollected   = "gc_commit_records_collected_total"
	MetricGCDuration           = "gc_duration_seconds"
	MetricNamespaceVersion     = "namespace_version"
	MetricNamespaceGCWatermark = "namespace_gc_watermark"
	MetricHTTPRequest          = "http_request_duration_seconds"
)

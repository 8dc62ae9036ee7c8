package edgecache

// LogTag classifies how a request was satisfied. The vocabulary is
// stable: access-log consumers and tests match on these strings.
type LogTag string

const (
	TagNone              LogTag = "TCP_NONE"
	TagHit               LogTag = "TCP_HIT"
	TagMemHit            LogTag = "TCP_MEM_HIT"
	TagOfflineHit        LogTag = "TCP_OFFLINE_HIT"
	TagNegativeHit       LogTag = "TCP_NEGATIVE_HIT"
	TagMiss              LogTag = "TCP_MISS"
	TagClientRefresh     LogTag = "TCP_CLIENT_REFRESH_MISS"
	TagRefreshModified   LogTag = "TCP_REFRESH_MODIFIED"
	TagRefreshUnmodified LogTag = "TCP_REFRESH_UNMODIFIED"
	TagRefreshFailOld    LogTag = "TCP_REFRESH_FAIL_OLD"
	TagRefreshFailErr    LogTag = "TCP_REFRESH_FAIL_ERR"
	TagINMHit            LogTag = "TCP_INM_HIT"
	TagIMSHit            LogTag = "TCP_IMS_HIT"
	TagRedirect          LogTag = "TCP_REDIRECT"
	TagDenied            LogTag = "TCP_DENIED"
	TagDeniedReply       LogTag = "TCP_DENIED_REPLY"
	TagSwapfailMiss      LogTag = "TCP_SWAPFAIL_MISS"
)

// IsHit reports whether the tag counts as a cache hit for header
// rewriting purposes (Age handling, Set-Cookie stripping).
func (t LogTag) IsHit() bool {
	switch t {
	case TagHit, TagMemHit, TagOfflineHit, TagNegativeHit, TagINMHit, TagIMSHit,
		TagRefreshUnmodified, TagRefreshFailOld:
		return true
	}
	return false
}

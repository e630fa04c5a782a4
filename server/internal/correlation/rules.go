package correlation

import "strings"

// Bottleneck categories.
const (
	CategoryTransactionLog  = "transaction_log_saturation"
	CategoryMergePipeline   = "merge_pipeline_saturation"
	CategoryStorageIO       = "storage_io_contention"
	CategoryCachePressure   = "cache_pressure"
	CategoryGenericResource = "generic_resource_contention"
)

var (
	rollbackFamily = []string{"rollback", "revert", "undo"}
	mergeFamily    = []string{"merge", "rebase", "cherry_pick"}
	writeHeavy     = []string{"commit", "write", "put", "insert", "update", "delete", "store", "save"}
	readHeavy      = []string{"get", "read", "list", "query", "fetch", "diff", "log", "search"}
)

var remediations = map[string]string{
	CategoryTransactionLog:  "Rollbacks are contending with concurrent work for the transaction log. Batch or serialize rollbacks and check log flush latency.",
	CategoryMergePipeline:   "The merge pipeline is saturated. Limit concurrent merges or rebases and move conflict detection off the request path.",
	CategoryStorageIO:       "Write-heavy operations share a storage bottleneck. Check disk I/O wait, batch small writes and review index maintenance.",
	CategoryCachePressure:   "Read-heavy operations degrade together, which points at cache eviction. Review cache size and hit rate and warm hot keys.",
	CategoryGenericResource: "The operations share an unidentified resource. Compare CPU, connection pool and lock wait metrics during the correlated window.",
}

// Classify maps a pair to its bottleneck category and remediation. Rules are
// evaluated in order and the first match wins. A rollback-family operation
// classifies the pair whatever its partner is.
func Classify(a, b string) (category, remediation string) {
	switch {
	case inFamily(a, rollbackFamily) || inFamily(b, rollbackFamily):
		category = CategoryTransactionLog
	case inFamily(a, mergeFamily) || inFamily(b, mergeFamily):
		category = CategoryMergePipeline
	case inFamily(a, writeHeavy) && inFamily(b, writeHeavy):
		category = CategoryStorageIO
	case inFamily(a, readHeavy) && inFamily(b, readHeavy):
		category = CategoryCachePressure
	default:
		category = CategoryGenericResource
	}
	return category, remediations[category]
}

func inFamily(op string, prefixes []string) bool {
	op = strings.ToLower(op)
	for _, p := range prefixes {
		if strings.HasPrefix(op, p) {
			return true
		}
	}
	return false
}

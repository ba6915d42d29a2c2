package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// cacheability says when a method's result may be reused
type cacheability int

const (
	neverCached cacheability = iota
	// result never changes once it exists
	immutable
	// stable only when the block argument is a concrete number
	pinnedBlock
	// stable only when fromBlock and toBlock are both concrete numbers
	pinnedRange
)

var methodCacheability = map[string]cacheability{
	"eth_chainId":                           immutable,
	"net_version":                           immutable,
	"eth_getBlockByHash":                    immutable,
	"eth_getTransactionByHash":              immutable,
	"eth_getTransactionReceipt":             immutable,
	"eth_getBlockTransactionCountByHash":    immutable,
	"eth_getTransactionByBlockHashAndIndex": immutable,
	"debug_traceTransaction":                immutable,

	"eth_getBlockByNumber":                    pinnedBlock,
	"eth_getCode":                             pinnedBlock,
	"eth_getBalance":                          pinnedBlock,
	"eth_getStorageAt":                        pinnedBlock,
	"eth_getTransactionCount":                 pinnedBlock,
	"eth_call":                                pinnedBlock,
	"eth_getBlockTransactionCountByNumber":    pinnedBlock,
	"eth_getTransactionByBlockNumberAndIndex": pinnedBlock,
	"eth_getBlockReceipts":                    pinnedBlock,
	"eth_getProof":                            pinnedBlock,

	"eth_getLogs": pinnedRange,
}

// blockArgIndex is the position of the block argument per method
var blockArgIndex = map[string]int{
	"eth_getBlockByNumber":                    0,
	"eth_getBlockTransactionCountByNumber":    0,
	"eth_getTransactionByBlockNumberAndIndex": 0,
	"eth_getBlockReceipts":                    0,
	"eth_getCode":                             1,
	"eth_getBalance":                          1,
	"eth_getTransactionCount":                 1,
	"eth_call":                                1,
	"eth_getStorageAt":                        2,
	"eth_getProof":                            2,
}

// movingBlockTags resolve to a different block over time
var movingBlockTags = map[string]bool{
	"latest":    true,
	"pending":   true,
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

// CacheRules decides which requests the cache stage may answer
type CacheRules struct {
	disabled map[string]bool
}

// NewCacheRules creates rules with the given methods excluded
func NewCacheRules(disabledMethods []string) *CacheRules {
	r := &CacheRules{disabled: make(map[string]bool, len(disabledMethods))}
	for _, m := range disabledMethods {
		r.disabled[m] = true
	}
	return r
}

// IsCacheable reports whether a method/params pair has a stable result
func (r *CacheRules) IsCacheable(method string, params json.RawMessage) bool {
	if r.disabled[method] {
		return false
	}

	switch methodCacheability[method] {
	case immutable:
		return true
	case pinnedBlock:
		return !hasMovingBlockArg(method, params)
	case pinnedRange:
		return !hasMovingBlockRange(params)
	default:
		return false
	}
}

func decodeParams(params json.RawMessage) ([]json.RawMessage, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, false
	}
	return args, true
}

// hasMovingBlockArg treats a missing block argument as "latest"
func hasMovingBlockArg(method string, params json.RawMessage) bool {
	args, ok := decodeParams(params)
	if !ok {
		return true
	}
	idx, ok := blockArgIndex[method]
	if !ok {
		return false
	}
	if idx >= len(args) {
		return true
	}
	return isMovingBlock(args[idx])
}

func isMovingBlock(arg json.RawMessage) bool {
	var tag string
	if err := json.Unmarshal(arg, &tag); err == nil {
		return movingBlockTags[strings.ToLower(tag)]
	}

	// EIP-1898 block object
	var obj map[string]interface{}
	if err := json.Unmarshal(arg, &obj); err != nil {
		return true
	}
	if n, ok := obj["blockNumber"].(string); ok {
		return movingBlockTags[strings.ToLower(n)]
	}
	return false
}

func hasMovingBlockRange(params json.RawMessage) bool {
	args, ok := decodeParams(params)
	if !ok || len(args) == 0 {
		return true
	}

	var filter map[string]interface{}
	if err := json.Unmarshal(args[0], &filter); err != nil {
		return true
	}
	if _, ok := filter["blockHash"]; ok {
		return false
	}
	for _, field := range []string{"fromBlock", "toBlock"} {
		v, ok := filter[field].(string)
		if !ok || movingBlockTags[strings.ToLower(v)] {
			return true
		}
	}
	return false
}

// CacheKey builds the cache key for a request. Params are normalized so
// that key order and hex case do not matter.
func CacheKey(method string, params json.RawMessage) string {
	sum := sha256.Sum256(normalizeParams(params))
	return method + ":" + hex.EncodeToString(sum[:8])
}

func normalizeParams(params json.RawMessage) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	var data interface{}
	if err := json.Unmarshal(params, &data); err != nil {
		return params
	}

	out, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return params
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]interface{}, len(val))
		for _, k := range keys {
			m[k] = normalizeValue(val[k])
		}
		return m
	case []interface{}:
		arr := make([]interface{}, len(val))
		for i, item := range val {
			arr[i] = normalizeValue(item)
		}
		return arr
	case string:
		return strings.ToLower(val)
	default:
		return val
	}
}

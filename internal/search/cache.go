package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache is the bounded LRU over search envelopes, keyed by the query
// plus canonicalized filters. Mutating operations purge it in full; staleness
// is only tolerated within a quiescent window.
type resultCache struct {
	lru *expirable.LRU[uint64, *Response]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{lru: expirable.NewLRU[uint64, *Response](size, nil, ttl)}
}

// key canonicalizes the query (lowercased, whitespace collapsed) and filters
// into a stable hash.
func (rc *resultCache) key(kind, query string, opts Options) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(kind)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strings.Join(strings.Fields(strings.ToLower(query)), " "))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(opts.Type))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(opts.ProjectHash)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(opts.Source)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(opts.Limit))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatFloat(opts.VectorWeight, 'f', -1, 64))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatFloat(opts.MinScore, 'f', -1, 64))
	for _, t := range opts.Types {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(string(t))
	}
	return h.Sum64()
}

func (rc *resultCache) get(key uint64) (*Response, bool) {
	return rc.lru.Get(key)
}

func (rc *resultCache) put(key uint64, resp *Response) {
	rc.lru.Add(key, resp)
}

func (rc *resultCache) purge() {
	rc.lru.Purge()
}

// Package imagecache holds downloaded image bytes in two tiers keyed by URL
// hash: a byte-bounded in-process LRU and a directory of cache_<hash>.jpg
// files that outlives the process.
package imagecache

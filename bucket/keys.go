package bucket

import "strings"

// SlotTag extracts the storage hash tag from a key, following the cluster
// hashing rule: the content between the first '{' and the first '}' after
// it, when non-empty. Keys without a tag return "" and are routed
// individually; keys sharing a tag collocate on one partition and may be
// batched together.
func SlotTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open == -1 {
		return ""
	}
	end := strings.IndexByte(key[open+1:], '}')
	if end <= 0 {
		return ""
	}
	return key[open+1 : open+1+end]
}

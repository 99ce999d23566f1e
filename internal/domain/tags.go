package domain

import (
	"errors"
	"strings"
)

const tagSeparator = ", "

// ErrTagReadFailed marks a tag merge abandoned because the current tags
// could not be read. Nothing was written.
var ErrTagReadFailed = errors.New("tag read failed")

// TagSet is a parsed, order-preserving view of a comma separated tag string.
type TagSet []string

// ParseTags splits a raw tag string into trimmed, non-empty entries.
func ParseTags(raw string) TagSet {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make(TagSet, 0, len(parts))
	for _, part := range parts {
		tag := strings.TrimSpace(part)
		if tag == "" || tags.Contains(tag) {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

// Contains reports whether tag is present. Comparison ignores case and
// surrounding whitespace, matching how the store treats tags.
func (s TagSet) Contains(tag string) bool {
	needle := strings.TrimSpace(tag)
	for _, existing := range s {
		if strings.EqualFold(existing, needle) {
			return true
		}
	}
	return false
}

// String renders the set in canonical form.
func (s TagSet) String() string {
	return strings.Join(s, tagSeparator)
}

// MergeTag appends tag to the raw tag string unless it is already present.
// The boolean reports whether the string changed.
func MergeTag(current, tag string) (string, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" || ParseTags(current).Contains(tag) {
		return current, false
	}
	base := strings.TrimSpace(strings.TrimRight(current, ", \t\r\n"))
	if base == "" {
		return tag, true
	}
	return base + tagSeparator + tag, true
}

// MergeTags applies MergeTag for each tag in order and returns the merged
// string together with the tags that were actually added.
func MergeTags(current string, tags ...string) (string, []string) {
	merged := current
	var added []string
	for _, tag := range tags {
		next, changed := MergeTag(merged, tag)
		if !changed {
			continue
		}
		merged = next
		added = append(added, strings.TrimSpace(tag))
	}
	return merged, added
}

//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package event

// Filter controls which events leave the server. Mute entries are tag-path
// prefixes: any event whose tag path starts with a muted path is dropped,
// unless a longer (more specific) Unmute entry also prefix-matches.
type Filter struct {
	Mute   [][]string `json:"mute,omitempty"`
	Unmute [][]string `json:"unmute,omitempty"`
}

// Allows reports whether an event with the given tag path passes the filter.
func (f *Filter) Allows(tags []string) bool {
	if f == nil {
		return true
	}
	muteLen := -1
	for _, path := range f.Mute {
		if isPrefix(path, tags) && len(path) > muteLen {
			muteLen = len(path)
		}
	}
	if muteLen < 0 {
		return true
	}
	for _, path := range f.Unmute {
		if isPrefix(path, tags) && len(path) >= muteLen {
			return true
		}
	}
	return false
}

func isPrefix(prefix, tags []string) bool {
	if len(prefix) > len(tags) {
		return false
	}
	for i, p := range prefix {
		if tags[i] != p {
			return false
		}
	}
	return true
}

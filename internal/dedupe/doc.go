// Package dedupe provides a time-windowed "seen recently" set.
//
// The gateway uses it to debounce side effects that only need to happen once
// per window for a given key, such as recording when an API key was last
// used. CheckAndMark answers "did this key already fire within the window?"
// and marks it in the same critical section.
package dedupe

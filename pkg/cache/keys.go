package cache

import "strings"

const keySep = ":"

// Key joins a namespace and its parts into one cache key, e.g. portfolio:alice.
func Key(namespace string, parts ...string) string {
	if len(parts) == 0 {
		return namespace
	}
	return namespace + keySep + strings.Join(parts, keySep)
}

// Pattern matches every key below namespace, for GetAll and DeletePattern.
func Pattern(namespace string) string {
	return Key(namespace, "*")
}

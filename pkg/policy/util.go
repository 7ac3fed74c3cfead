package policy

import "strings"

func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}

	// Directory prefix: /etc/*
	if strings.HasSuffix(pattern, "/*") && !strings.Contains(pattern[:len(pattern)-2], "*") {
		return strings.HasPrefix(str, pattern[:len(pattern)-1])
	}

	// Extension suffix: *.so
	if strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern[2:], "*") {
		return strings.HasSuffix(str, pattern[1:])
	}

	if strings.Contains(pattern, "*") {
		return matchWildcard(pattern, str)
	}

	return pattern == str
}

// matchWildcard handles patterns with * wildcards anywhere
func matchWildcard(pattern, str string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == str
	}

	if parts[0] != "" && !strings.HasPrefix(str, parts[0]) {
		return false
	}
	str = str[len(parts[0]):]

	lastPart := parts[len(parts)-1]
	if lastPart != "" && !strings.HasSuffix(str, lastPart) {
		return false
	}
	if lastPart != "" {
		str = str[:len(str)-len(lastPart)]
	}

	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(str, parts[i])
		if idx < 0 {
			return false
		}
		str = str[idx+len(parts[i]):]
	}

	return true
}

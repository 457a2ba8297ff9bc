package action

import "strings"

// FilesFromDiff extracts the distinct file paths named by a unified
// diff's ---/+++ headers. Paths keep their order of first appearance;
// a/ and b/ prefixes and /dev/null entries are stripped.
func FilesFromDiff(diff string) []string {
	seen := make(map[string]struct{})
	var files []string
	for _, line := range strings.Split(diff, "\n") {
		path, ok := pathFromHeaderLine(line)
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

func pathFromHeaderLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "--- ") && !strings.HasPrefix(line, "+++ ") {
		return "", false
	}
	token := strings.TrimSpace(line[4:])
	if i := strings.IndexAny(token, " \t"); i >= 0 {
		token = token[:i]
	}
	if token == "" || token == "/dev/null" {
		return "", false
	}
	token = strings.TrimPrefix(token, "a/")
	token = strings.TrimPrefix(token, "b/")
	if token == "" {
		return "", false
	}
	return token, true
}

// NormalizeDiff converts CRLF line endings to LF so that the same
// logical diff always yields the same canonical bytes.
func NormalizeDiff(diff string) string {
	if !strings.Contains(diff, "\r\n") {
		return diff
	}
	return strings.ReplaceAll(diff, "\r\n", "\n")
}

package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/protocol"
)

const unixPathChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-/"

// tokenizeCommand splits a shell-like command string with quote awareness.
// An unterminated quote falls back to whitespace splitting, matching how
// lenient the rest of the gate is: the goal is extraction, not execution.
func tokenizeCommand(command string) []string {
	tokens, ok := shellSplit(command)
	if !ok {
		return strings.Fields(command)
	}
	return tokens
}

func shellSplit(command string) ([]string, bool) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune
	escaped := false
	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}
	for _, ch := range command {
		if escaped {
			cur.WriteRune(ch)
			inToken = true
			escaped = false
			continue
		}
		switch {
		case quote == '\'':
			if ch == '\'' {
				quote = 0
			} else {
				cur.WriteRune(ch)
				inToken = true
			}
		case quote == '"':
			switch ch {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(ch)
				inToken = true
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inToken = true
		case ch == '\\':
			escaped = true
			inToken = true
		case ch == ' ' || ch == '\t' || ch == '\n':
			flush()
		default:
			cur.WriteRune(ch)
			inToken = true
		}
	}
	if quote != 0 || escaped {
		return nil, false
	}
	flush()
	return tokens, true
}

// extractAbsolutePaths pulls absolute filesystem paths out of a command
// string, including `--flag=/abs/path` forms, skipping URLs.
func extractAbsolutePaths(command string) []string {
	var extracted []string
	for _, token := range tokenizeCommand(command) {
		raw := strings.TrimSpace(token)
		if raw == "" {
			continue
		}
		candidates := []string{raw}
		if strings.HasPrefix(raw, "-") && strings.Contains(raw, "=") {
			candidates = append(candidates, strings.TrimSpace(strings.SplitN(raw, "=", 2)[1]))
		}
		for _, value := range candidates {
			normalized := strings.Trim(strings.TrimSpace(value), "'\"`")
			normalized = strings.TrimLeft(normalized, "(")
			normalized = strings.TrimRight(normalized, ";,|&)")
			if normalized == "" || strings.Contains(normalized, "://") {
				continue
			}
			if strings.HasPrefix(normalized, "/") {
				extracted = append(extracted, normalized)
			}
		}
	}
	return extracted
}

func normCase(part string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(part)
	}
	return part
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// pathWithin reports whether child is inside parent, component-wise over the
// resolved absolute paths.
func pathWithin(child, parent string) bool {
	childResolved, err := resolvePath(child)
	if err != nil {
		return false
	}
	parentResolved, err := resolvePath(parent)
	if err != nil {
		return false
	}
	childParts := strings.Split(childResolved, string(filepath.Separator))
	parentParts := strings.Split(parentResolved, string(filepath.Separator))
	if len(parentParts) > len(childParts) {
		return false
	}
	for i, part := range parentParts {
		if normCase(part) != normCase(childParts[i]) {
			return false
		}
	}
	return true
}

// ensureAllowedRoots fails when the project path escapes every configured
// root. An empty root list allows everything.
func ensureAllowedRoots(projectPath string, roots []string) error {
	if len(roots) == 0 {
		return nil
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if pathWithin(projectPath, root) {
			return nil
		}
	}
	return fmt.Errorf("project_path is outside allowed_roots: %s", projectPath)
}

// collectCommands gathers the command strings subject to the gate: the
// reviewer's verification commands, everyone else's execution evidence.
func collectCommands(content map[string]any, agentID string) []string {
	var commands []string
	if agentID == agent.Stella {
		if verification, ok := content["verification"].([]any); ok {
			for _, item := range verification {
				if entry, ok := item.(map[string]any); ok {
					if cmd, ok := entry["command"].(string); ok {
						commands = append(commands, cmd)
					}
				}
			}
		}
		return commands
	}
	result, _ := content["result"].(map[string]any)
	if evidence, ok := result["execution_evidence"].([]any); ok {
		for _, item := range evidence {
			if entry, ok := item.(map[string]any); ok {
				if cmd, ok := entry["command"].(string); ok {
					commands = append(commands, cmd)
				}
			}
		}
	}
	return commands
}

// commandPolicyErrors applies the deny-then-allow regex policy.
func commandPolicyErrors(commands, allowlist, denylist []string) []string {
	var errors []string
	allow := compilePatterns(allowlist)
	deny := compilePatterns(denylist)
	for _, cmd := range commands {
		if matchAny(deny, cmd) {
			errors = append(errors, protocol.CodeSafetyCommandDenied+": "+cmd)
			continue
		}
		if len(allow) > 0 && !matchAny(allow, cmd) {
			errors = append(errors, protocol.CodeSafetyCommandNotAllowed+": "+cmd)
		}
	}
	return errors
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if re, err := regexp.Compile(pat); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// commandWorkdirErrors rejects commands whose absolute-path arguments point
// outside the workdir.
func commandWorkdirErrors(commands []string, workdir string) []string {
	var errors []string
	for _, cmd := range commands {
		outsideSet := map[string]struct{}{}
		for _, rawPath := range extractAbsolutePaths(cmd) {
			if !pathWithin(rawPath, workdir) {
				outsideSet[rawPath] = struct{}{}
			}
		}
		if len(outsideSet) == 0 {
			continue
		}
		outside := make([]string, 0, len(outsideSet))
		for p := range outsideSet {
			outside = append(outside, p)
		}
		sort.Strings(outside)
		errors = append(errors, protocol.CodeWorkdirCommandOutside+": "+
			strings.Join(outside, ", ")+" | cmd="+cmd)
	}
	return errors
}

// verifyDeliverables checks that declared deliverables exist inside the
// workdir with the declared kind and touch no protected path.
func verifyDeliverables(content map[string]any, workdir string, protectedGlobs []string) []string {
	var errors []string
	result, _ := content["result"].(map[string]any)
	rawDeliverables, ok := result["deliverables"]
	if !ok || rawDeliverables == nil {
		return nil
	}
	list, ok := rawDeliverables.([]any)
	if !ok {
		return []string{"E_DELIVERY_INVALID_DELIVERABLES: deliverables must be list"}
	}
	for idx, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			errors = append(errors, fmt.Sprintf("E_DELIVERY_INVALID_DELIVERABLES: item %d must be object", idx+1))
			continue
		}
		pathValue, _ := entry["path"].(string)
		if strings.TrimSpace(pathValue) == "" {
			errors = append(errors, fmt.Sprintf("E_DELIVERY_INVALID_DELIVERABLES: item %d missing path", idx+1))
			continue
		}
		raw := pathValue
		if !filepath.IsAbs(raw) {
			raw = filepath.Join(workdir, raw)
		}
		resolved, err := resolvePath(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("E_DELIVERY_INVALID_DELIVERABLES: item %d invalid path %s", idx+1, pathValue))
			continue
		}
		if !pathWithin(resolved, workdir) {
			errors = append(errors, protocol.CodeDeliveryOutsideWorkdir+": "+pathValue)
			continue
		}
		if glob := matchProtectedGlob(resolved, workdir, protectedGlobs); glob != "" {
			errors = append(errors, protocol.CodeDeliveryProtectedPath+": "+pathValue+" (matches "+glob+")")
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(fmt.Sprint(entry["kind"])))
		if entry["kind"] == nil {
			kind = ""
		}
		info, statErr := os.Stat(resolved)
		if statErr != nil {
			errors = append(errors, protocol.CodeDeliveryMissingDeliverable+": "+pathValue)
			continue
		}
		if kind == "dir" && !info.IsDir() {
			errors = append(errors, protocol.CodeDeliveryExpectDir+": "+pathValue)
			continue
		}
		if (kind == "file" || kind == "") && info.IsDir() {
			errors = append(errors, protocol.CodeDeliveryExpectFile+": "+pathValue)
			continue
		}
	}
	return errors
}

func matchProtectedGlob(resolved, workdir string, globs []string) string {
	rel, err := filepath.Rel(workdir, resolved)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range globs {
		if glob == "" {
			continue
		}
		if matched, err := doublestar.Match(glob, rel); err == nil && matched {
			return glob
		}
	}
	return ""
}

// extractRequestedWorkdir pulls the deepest plausible absolute directory path
// out of free text, skipping URL separators.
func extractRequestedWorkdir(userRequest string) string {
	text := strings.TrimSpace(userRequest)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	var candidates []string
	idx := 0
	for idx < len(runes) {
		if runes[idx] != '/' {
			idx++
			continue
		}
		var prev rune
		if idx > 0 {
			prev = runes[idx-1]
		}
		if prev == ':' || prev == '/' {
			idx++
			continue
		}
		end := idx
		for end < len(runes) && strings.ContainsRune(unixPathChars, runes[end]) {
			end++
		}
		candidate := strings.TrimRight(string(runes[idx:end]), "/")
		if len(candidate) > 1 {
			candidates = append(candidates, candidate)
		}
		if end > idx {
			idx = end
		} else {
			idx++
		}
	}
	seen := map[string]struct{}{}
	unique := candidates[:0]
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	sort.Slice(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })
	for _, candidate := range unique {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(candidate)
		if parent != candidate {
			if info, err := os.Stat(parent); err == nil && info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// resolveWorkdir returns the unified workdir and its source
// (project_path_arg, user_request, or cwd_default).
func resolveWorkdir(projectPath, userRequest string) (string, string) {
	if projectPath != "" {
		return filepath.Clean(projectPath), "project_path_arg"
	}
	if inferred := extractRequestedWorkdir(userRequest); inferred != "" {
		return filepath.Clean(inferred), "user_request"
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return cwd, "cwd_default"
}

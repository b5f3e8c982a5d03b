package hints

import (
	"fmt"
	"regexp"
	"strings"
)

const systemPrompt = `You are a patient programming tutor embedded in a code editor. A learner is stuck. Give exactly one hint at the requested level and never more detail than that level allows.`

var levelGuide = map[int]string{
	1: "Level 1: a gentle nudge. Point at the area of the problem without naming the fix. One or two sentences.",
	2: "Level 2: name the concept involved and ask a guiding question. Do not show code.",
	3: "Level 3: explain what is wrong and describe the fix in words. A short fragment of pseudo-code is allowed.",
	4: "Level 4: the full solution. Show corrected code for the affected block and explain each change briefly.",
}

func buildUserMessage(req GenerateRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Language: %s\n", req.Language)
	if req.ErrorKind != "" {
		fmt.Fprintf(&b, "Error: %s\n", req.ErrorKind)
	}

	if len(req.History) > 0 {
		b.WriteString("\nRecent struggle signals:\n")
		for _, r := range req.History {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	b.WriteString("\nCode:\n```\n")
	b.WriteString(req.Code)
	if !strings.HasSuffix(req.Code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")

	fmt.Fprintf(&b, `
Instructions:
%s
Refer to the learner's code, not to a generic example. Plain text only, no Markdown headings.`, levelGuide[req.Level])

	return b.String()
}

var secretPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|secret|token|passw(?:or)?d)\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`)

// sanitizeCode redacts credential-looking assignments and keeps at most
// maxLines trailing lines and maxBytes bytes of code.
func sanitizeCode(code string, maxLines, maxBytes int) string {
	code = secretPattern.ReplaceAllString(code, `${1}"<redacted>"`)

	if maxLines > 0 {
		lines := strings.Split(code, "\n")
		if len(lines) > maxLines {
			lines = lines[len(lines)-maxLines:]
		}
		code = strings.Join(lines, "\n")
	}
	if maxBytes > 0 && len(code) > maxBytes {
		code = code[len(code)-maxBytes:]
		// Drop the partial first line.
		if i := strings.IndexByte(code, '\n'); i >= 0 && i < len(code)-1 {
			code = code[i+1:]
		}
	}
	return code
}

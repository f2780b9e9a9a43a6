package message

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// MaxUniqueMentions is the cap on distinct @mentions a single AI response may
// carry. Surplus mentions keep their word but lose the @ prefix.
const MaxUniqueMentions = 3

// mentionPattern matches an @token: an @ followed by a run of characters that
// are neither whitespace nor another @.
var mentionPattern = regexp.MustCompile(`@([^\s@]+)`)

// Normalize converts an alias or mention token to its canonical lookup form:
// lowercase, leading @ stripped, every non-alphanumeric rune dropped.
// Normalize is idempotent.
func Normalize(token string) string {
	token = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(token)), "@")
	var b strings.Builder
	for _, r := range token {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExtractMentions returns the raw @tokens of content in order of appearance,
// deduplicated by normalized form. Tokens that normalize to nothing are
// skipped.
func ExtractMentions(content string) []string {
	var tokens []string
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		token := match[1]
		norm := Normalize(token)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// CountUniqueMentions returns the number of distinct mentions in s by
// normalized form.
func CountUniqueMentions(s string) int {
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(s, -1) {
		if norm := Normalize(match[1]); norm != "" {
			seen[norm] = struct{}{}
		}
	}
	return len(seen)
}

// mentionFormats are the natural-language placements used when weaving a
// mention into a generated response. Each takes the response text and a
// target token (with @) and returns the combined text.
var mentionFormats = []func(resp, target string) string{
	func(r, t string) string { return fmt.Sprintf("%s, %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("Hey %s, %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s — what do you think? %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s I'd add: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s, curious for your take. %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s Thoughts, %s?", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s What do you think, %s?", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s Curious whether %s agrees.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s Over to you, %s.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s I'd love %s's view on this.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s Maybe %s can weigh in.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s %s, does that track for you?", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s (%s might disagree.)", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s %s, am I missing something?", r, t) },
	func(r, t string) string { return fmt.Sprintf("Building on what %s said: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("To %s's point, %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("Unlike %s, I'd say %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s made me think about this. %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("Picking up %s's thread: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s raises a fair point, but %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("I keep coming back to what %s said. %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s Let's hear from %s.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s — %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s You've been quiet, %s.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s %s, you usually have an angle on this.", r, t) },
	func(r, t string) string { return fmt.Sprintf("Quick question for %s after this: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s I wonder if %s sees it differently.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s %s, care to push back?", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s — this one's for you. %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s Tagging %s for a second opinion.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s, since you brought it up: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s %s, how does that land?", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s I'd bet %s has data on this.", r, t) },
	func(r, t string) string { return fmt.Sprintf("Not sure %s would agree, but %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s Someone should ask %s.", r, t) },
	func(r, t string) string { return fmt.Sprintf("%s, you'll appreciate this: %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s %s, your move.", r, t) },
	func(r, t string) string { return fmt.Sprintf("As %s hinted earlier, %s", t, r) },
	func(r, t string) string { return fmt.Sprintf("%s Right, %s?", r, t) },
}

// AddMention weaves target into response using one of the fixed placement
// formats, chosen uniformly from rng. The response is returned unchanged when
// the target is already mentioned, when it normalizes to nothing, or when the
// response is already at the unique-mention cap.
func AddMention(response, target string, rng *rand.Rand) string {
	norm := Normalize(target)
	if norm == "" {
		return response
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(response, -1) {
		if Normalize(match[1]) == norm {
			return response
		}
	}
	if CountUniqueMentions(response) >= MaxUniqueMentions {
		return response
	}
	if !strings.HasPrefix(target, "@") {
		target = "@" + target
	}
	format := mentionFormats[rng.Intn(len(mentionFormats))]
	return format(response, target)
}

// LimitMentions keeps the first max unique @tokens of s intact and strips the
// leading @ from every occurrence of any further distinct token. Applying it
// twice with the same max is a no-op.
func LimitMentions(s string, max int) string {
	if max < 0 {
		max = 0
	}

	allowed := make(map[string]struct{})
	var b strings.Builder
	last := 0
	for _, loc := range mentionPattern.FindAllStringSubmatchIndex(s, -1) {
		start, end := loc[0], loc[1]
		norm := Normalize(s[loc[2]:loc[3]])
		if norm == "" {
			continue
		}
		if _, ok := allowed[norm]; ok {
			continue
		}
		if len(allowed) < max {
			allowed[norm] = struct{}{}
			continue
		}
		// Over the cap: keep the word, drop the @.
		b.WriteString(s[last:start])
		b.WriteString(s[start+1 : end])
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

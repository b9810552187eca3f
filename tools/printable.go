package tools

import (
	"strings"
	"unicode"
)

type printableType interface {
	~string | ~[]rune | ~[]byte
}

// Printable drops every non printable rune from v. Bytes are treated as Latin-1.
func Printable[T printableType](v T) string {
	var result []rune

	switch v := any(v).(type) {
	case string:
		for _, r := range v {
			if unicode.IsPrint(r) {
				result = append(result, r)
			}
		}
	case []rune:
		for _, r := range v {
			if unicode.IsPrint(r) {
				result = append(result, r)
			}
		}
	case []byte:
		for _, r := range v {
			if unicode.IsPrint(rune(r)) {
				result = append(result, rune(r))
			}
		}
	}
	return string(result)
}

// Redact hides the argument of every PASS command line in text.
func Redact(text string) string {
	if !strings.Contains(text, "\n") {
		return redactLine(text)
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = redactLine(line)
	}
	return strings.Join(lines, "\n")
}

func redactLine(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if len(trimmed) >= 4 && strings.EqualFold(trimmed[:4], "pass") &&
		(len(trimmed) == 4 || trimmed[4] == ' ') {
		end := ""
		if strings.HasSuffix(line, "\r") {
			end = "\r"
		}
		return trimmed[:4] + " ****" + end
	}
	return line
}

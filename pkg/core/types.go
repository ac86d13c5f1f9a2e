package core

import "time"

// Language is the editing language tag shared by every participant of a
// session. The set is fixed; anything else is rejected at the protocol edge.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangPython     Language = "python"
	LangJava       Language = "java"
	LangCPP        Language = "cpp"
)

// IsValid reports whether l is one of the supported language tags.
func (l Language) IsValid() bool {
	switch l {
	case LangJavaScript, LangTypeScript, LangPython, LangJava, LangCPP:
		return true
	default:
		return false
	}
}

// DefaultTemplate returns the starter buffer for a language. Unknown tags
// fall back to the javascript template.
func DefaultTemplate(l Language) string {
	switch l {
	case LangPython:
		return "# Write your code here\n"
	case LangJavaScript, LangTypeScript, LangJava, LangCPP:
		return "// Write your code here\n"
	default:
		return "// Write your code here\n"
	}
}

// Snapshot is a point-in-time copy of a session's shared state, safe to hand
// out across goroutines. ParticipantCount is the membership size at the time
// the snapshot was taken.
type Snapshot struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	Language         Language  `json:"language"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"-"`
}

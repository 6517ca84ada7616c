package session

import "os"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. CHATD_SESSION environment variable
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CHATD_SESSION"); env != "" {
		return env
	}
	return DefaultSessionName
}

package tgui

import "strings"

// Data formats inline callback data as "scope:action:payload". The
// payload rides as-is; callers keep it to compact delimited scalars
// (IDs, dates, page indexes) because Telegram caps callback_data at
// 64 bytes.
func Data(scope, action, payload string) string {
	s := strings.TrimSpace(scope) + ":" + strings.TrimSpace(action)
	if payload == "" {
		return s
	}
	return s + ":" + payload
}

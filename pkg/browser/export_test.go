package browser

import "time"

// SetCloseWait shortens how long Close waits for an in-flight interaction.
func SetCloseWait(s *Session, d time.Duration) { s.closeWait = d }

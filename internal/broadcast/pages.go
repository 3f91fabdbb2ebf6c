package broadcast

import _ "embed"

// Overlay pages are compiled into the binary so the daemon has no runtime
// asset directory. Both attach to /events and render incoming payloads.

//go:embed web/alerts.html
var alertsPage []byte

//go:embed web/chat.html
var chatPage []byte

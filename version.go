package sendria

import "time"

var (
	// Version is stamped at link time; the default marks unreleased builds.
	Version   string
	Commit    string
	BuildTime string

	StartTime time.Time
)

func init() {
	if Version == "" {
		Version = "2.0.0-dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}

	StartTime = time.Now()
}

// Ident returns the product identification used in the SMTP banner,
// the HTTP Server header and the webhook User-Agent.
func Ident() string {
	return "Sendria/" + Version
}

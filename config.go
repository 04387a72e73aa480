package sendria

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// AppConfig is the holder of the configuration of the app
type AppConfig struct {
	SMTPIP   string `json:"smtp_ip"`
	SMTPPort int    `json:"smtp_port"`
	HTTPIP   string `json:"http_ip"`
	HTTPPort int    `json:"http_port"`
	// DBPath is the SQLite file; an in-memory database is used when empty
	DBPath string `json:"db,omitempty"`
	// SMTPAuth is an htpasswd file; when set, SMTP requires AUTH PLAIN
	SMTPAuth string `json:"smtp_auth,omitempty"`
	// HTTPAuth is an htpasswd file; when set, the API requires Basic auth
	HTTPAuth string `json:"http_auth,omitempty"`
	// SMTPIdent is the identity announced in the SMTP greeting
	SMTPIdent string `json:"smtp_ident,omitempty"`
	// NoQuit disables terminating the process through DELETE /api
	NoQuit bool `json:"no_quit,omitempty"`
	// NoClear disables DELETE /api/messages/
	NoClear               bool   `json:"no_clear,omitempty"`
	CallbackWebhookURL    string `json:"callback_webhook_url,omitempty"`
	CallbackWebhookMethod string `json:"callback_webhook_method,omitempty"`
	CallbackWebhookAuth   string `json:"callback_webhook_auth,omitempty"`
	Debug                 bool   `json:"debug,omitempty"`
	PidFile               string `json:"pid_file,omitempty"`
	LogFile               string `json:"log_file,omitempty"`
	LogLevel              string `json:"log_level,omitempty"`
}

// Unmarshalls json data into AppConfig struct and any other initialization
// of the struct also does validation, returns error if validation failed
// or something went wrong
func (c *AppConfig) Load(jsonBytes []byte) error {
	err := json.Unmarshal(jsonBytes, c)
	if err != nil {
		return fmt.Errorf("could not parse config file: %s", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate catches option values that would otherwise surface later as
// confusing runtime failures. Zero values are allowed; defaults are filled
// in by the daemon.
func (c *AppConfig) Validate() error {
	if c.SMTPIP != "" && net.ParseIP(c.SMTPIP) == nil {
		return fmt.Errorf("smtp_ip is not a valid IP address: %s", c.SMTPIP)
	}
	if c.HTTPIP != "" && net.ParseIP(c.HTTPIP) == nil {
		return fmt.Errorf("http_ip is not a valid IP address: %s", c.HTTPIP)
	}
	if c.SMTPPort < 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtp_port out of range: %d", c.SMTPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	if c.SMTPAuth != "" {
		if _, err := os.Stat(c.SMTPAuth); err != nil {
			return fmt.Errorf("smtp_auth: %s", err)
		}
	}
	if c.HTTPAuth != "" {
		if _, err := os.Stat(c.HTTPAuth); err != nil {
			return fmt.Errorf("http_auth: %s", err)
		}
	}
	if c.CallbackWebhookURL != "" {
		u, err := url.Parse(c.CallbackWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("callback_webhook_url is not a valid http url: %s", c.CallbackWebhookURL)
		}
	}
	return nil
}

// SMTPAddr returns the listen address of the SMTP receiver.
func (c *AppConfig) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPIP, strconv.Itoa(c.SMTPPort))
}

// HTTPAddr returns the listen address of the HTTP API.
func (c *AppConfig) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPIP, strconv.Itoa(c.HTTPPort))
}

// EffectiveLogLevel resolves the configured log level; debug wins.
func (c *AppConfig) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// Emits any configuration change events onto the event bus.
func (c *AppConfig) EmitChangeEvents(oldConfig *AppConfig, app Sendria) {
	// has config changed, general check
	if !reflect.DeepEqual(oldConfig, c) {
		app.Publish(EventConfigNewConfig, c)
	}
	// has pid file changed?
	if strings.Compare(oldConfig.PidFile, c.PidFile) != 0 {
		app.Publish(EventConfigPidFile, c)
	}
	// has mainlog log changed?
	if strings.Compare(oldConfig.LogFile, c.LogFile) != 0 {
		app.Publish(EventConfigLogFile, c)
	} else {
		// since log file has not changed, we reload it
		app.Publish(EventConfigLogReopen, c)
	}
	// has log level changed?
	if oldConfig.EffectiveLogLevel() != c.EffectiveLogLevel() {
		app.Publish(EventConfigLogLevel, c)
	}
	// has the webhook destination changed?
	if oldConfig.CallbackWebhookURL != c.CallbackWebhookURL ||
		oldConfig.CallbackWebhookMethod != c.CallbackWebhookMethod ||
		oldConfig.CallbackWebhookAuth != c.CallbackWebhookAuth {
		app.Publish(EventConfigWebhook, c)
	}
}

// EmitLogReopenEvents emits log reopen events using existing config
func (c *AppConfig) EmitLogReopenEvents(app Sendria) {
	app.Publish(EventConfigLogReopen, c)
}

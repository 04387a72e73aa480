package sendria

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/sendria/sendria/log"
)

const (
	defaultSMTPIP   = "127.0.0.1"
	defaultSMTPPort = 1025
	defaultHTTPIP   = "127.0.0.1"
	defaultHTTPPort = 1080
)

// Daemon provides a convenient API when using the mail trap as a package
// in your Go project. It manages an underlying Sendria instance.
type Daemon struct {
	Config *AppConfig
	Logger log.Logger

	// the app managed through this API
	app Sendria

	// subscriptions made before the app exists are deferred until Start
	subs []deferredSub
}

type deferredSub struct {
	topic Event
	fn    interface{}
}

// Start the daemon, initializing d.Config and d.Logger with defaults for
// anything that was not set. The daemon can be started again after Shutdown.
func (d *Daemon) Start() (err error) {
	if d.app == nil {
		if d.Config == nil {
			d.Config = &AppConfig{}
		}
		if err = d.configureDefaults(); err != nil {
			return err
		}
		if d.Logger == nil {
			d.Logger, err = log.GetLogger(d.Config.LogFile, d.Config.EffectiveLogLevel())
			if err != nil {
				return err
			}
		}
		d.app, err = New(d.Config, d.Logger)
		if err != nil {
			return err
		}
		for i := range d.subs {
			_ = d.Subscribe(d.subs[i].topic, d.subs[i].fn)
		}
		d.subs = make([]deferredSub, 0)
		d.subscribeEvents()
	}
	if err = d.app.Start(); err != nil {
		return err
	}
	if err := d.resetLogger(); err == nil {
		d.Log().Infof("main log configured to %s", d.Config.LogFile)
	}
	// write out our PID
	if len(d.Config.PidFile) > 0 {
		if err := d.writePid(d.Config.PidFile); err != nil {
			return err
		}
	}
	d.Log().Infof("%s serving: SMTP %s / HTTP http://%s", Ident(), d.Config.SMTPAddr(), d.Config.HTTPAddr())
	return nil
}

// Shutdown stops the daemon and removes the pid file.
func (d *Daemon) Shutdown() {
	if d.app != nil {
		d.app.Shutdown()
	}
	d.removePid()
}

// LoadConfig reads in the config from a JSON file.
// Note: if d.Config is nil, sets d.Config with the unmarshalled AppConfig
// which will be returned
func (d *Daemon) LoadConfig(path string) (AppConfig, error) {
	var ac AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ac, fmt.Errorf("could not read config file: %s", err.Error())
	}
	err = ac.Load(data)
	if err != nil {
		return ac, err
	}
	if d.Config == nil {
		d.Config = &ac
	}
	return ac, nil
}

// SetConfig is the same as LoadConfig, except you can pass AppConfig
// directly. Does not emit any change events, use ReloadConfig after the
// daemon has started.
func (d *Daemon) SetConfig(c AppConfig) error {
	// run it through Load so that the same validation applies
	data, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	if err := c.Load(data); err != nil {
		return err
	}
	d.Config = &c
	return nil
}

// ReloadConfig applies a new config and emits config change events.
func (d *Daemon) ReloadConfig(c AppConfig) error {
	if d.Config == nil {
		d.Config = &c
		return nil
	}
	oldConfig := *d.Config
	d.Config = &c
	if d.app != nil {
		d.Config.EmitChangeEvents(&oldConfig, d.app)
	}
	return nil
}

// ReloadConfigFile reloads the config from a file and emits config change
// events.
func (d *Daemon) ReloadConfigFile(path string) error {
	var ac AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %s", err.Error())
	}
	if err := ac.Load(data); err != nil {
		return err
	}
	if d.Config == nil {
		d.Config = &ac
		return nil
	}
	oldConfig := *d.Config
	d.Config = &ac
	if d.app != nil {
		d.Config.EmitChangeEvents(&oldConfig, d.app)
	}
	return nil
}

// ReopenLogs re-opens all log files. Typically, one would call this after
// rotating logs.
func (d *Daemon) ReopenLogs() error {
	if d.Config == nil {
		return errors.New("d.Config nil")
	}
	if d.app == nil {
		return errors.New("daemon not started")
	}
	d.Config.EmitLogReopenEvents(d.app)
	return nil
}

// Subscribe for subscribing to events. The subscription is deferred until
// the daemon is started if it is not running yet.
func (d *Daemon) Subscribe(topic Event, fn interface{}) error {
	if d.app == nil {
		d.subs = append(d.subs, deferredSub{topic, fn})
		return nil
	}
	return d.app.Subscribe(topic, fn)
}

// Publish for publishing events.
func (d *Daemon) Publish(topic Event, args ...interface{}) {
	if d.app == nil {
		return
	}
	d.app.Publish(topic, args...)
}

// Unsubscribe for unsubscribing from events.
func (d *Daemon) Unsubscribe(topic Event, handler interface{}) error {
	if d.app == nil {
		hp := reflect.ValueOf(handler).Pointer()
		for i := range d.subs {
			if d.subs[i].topic == topic && reflect.ValueOf(d.subs[i].fn).Pointer() == hp {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
		return nil
	}
	return d.app.Unsubscribe(topic, handler)
}

// Log returns the daemon's logger, or one configured from d.Config when no
// logger was set. Level is info by default.
func (d *Daemon) Log() log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	out := log.OutputStderr.String()
	level := "info"
	if d.Config != nil {
		if len(d.Config.LogFile) > 0 {
			out = d.Config.LogFile
		}
		level = d.Config.EffectiveLogLevel()
	}
	l, _ := log.GetLogger(out, level)
	return l
}

// configureDefaults fills in default values for anything that was not
// configured
func (d *Daemon) configureDefaults() error {
	if d.Config.LogFile == "" {
		d.Config.LogFile = log.OutputStderr.String()
	}
	if d.Config.LogLevel == "" {
		d.Config.LogLevel = "info"
	}
	if d.Config.SMTPIP == "" {
		d.Config.SMTPIP = defaultSMTPIP
	}
	if d.Config.SMTPPort == 0 {
		d.Config.SMTPPort = defaultSMTPPort
	}
	if d.Config.HTTPIP == "" {
		d.Config.HTTPIP = defaultHTTPIP
	}
	if d.Config.HTTPPort == 0 {
		d.Config.HTTPPort = defaultHTTPPort
	}
	if d.Config.SMTPIdent == "" {
		d.Config.SMTPIdent = "ESMTP Sendria " + Version
	}
	if d.Config.CallbackWebhookMethod == "" {
		d.Config.CallbackWebhookMethod = "POST"
	}
	return d.Config.Validate()
}

// subscribeEvents wires the daemon's own config event subscribers.
func (d *Daemon) subscribeEvents() {
	// write out the pid whenever the file name changes in the config
	_ = d.Subscribe(EventConfigPidFile, func(ac *AppConfig) {
		_ = d.writePid(ac.PidFile)
	})
}

// resetLogger swaps in the logger named by the config. Until Start the
// daemon may have been logging through a temporary one.
func (d *Daemon) resetLogger() error {
	l, err := log.GetLogger(d.Config.LogFile, d.Config.EffectiveLogLevel())
	if err != nil {
		return err
	}
	d.Logger = l
	d.app.SetLogger(d.Logger)
	return nil
}

func (d *Daemon) writePid(path string) (err error) {
	defer func() {
		if err != nil {
			d.Log().WithError(err).Errorf("error while writing pid_file (%s)", path)
		}
	}()
	if len(path) > 0 {
		var f *os.File
		if f, err = os.Create(path); err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		pid := os.Getpid()
		if _, err = fmt.Fprintf(f, "%d", pid); err != nil {
			return err
		}
		if err = f.Sync(); err != nil {
			return err
		}
		d.Log().Infof("pid_file (%s) written with pid:%v", path, pid)
	}
	return nil
}

func (d *Daemon) removePid() {
	if d.Config == nil || d.Config.PidFile == "" {
		return
	}
	if err := os.Remove(d.Config.PidFile); err != nil && !os.IsNotExist(err) {
		d.Log().WithError(err).Errorf("could not remove pid_file (%s)", d.Config.PidFile)
	}
}

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sendria/sendria"
	"github.com/sendria/sendria/log"
)

const testPauseDuration = time.Millisecond * 600

// graceful shutdown after calling serve()
func sigKill(t *testing.T, pidPath string) {
	t.Helper()
	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatal("sigKill - could not read pidfile:", err)
	}
	if _, err := exec.Command("kill", string(data)).Output(); err != nil {
		t.Fatal("could not kill:", err)
	}
}

// ask the daemon to reopen its logs
func sigUsr1(t *testing.T, pidPath string) {
	t.Helper()
	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatal("sigUsr1 - could not read pidfile:", err)
	}
	if _, err := exec.Command("kill", "-USR1", string(data)).Output(); err != nil {
		t.Fatal("could not send SIGUSR1:", err)
	}
}

func resetFlag(f *pflag.Flag) {
	_ = f.Value.Set(f.DefValue)
	f.Changed = false
}

// In all the tests, there will be a minimum of about 1000 available
func TestFileLimit(t *testing.T) {
	if ok, maxClients, fileLimit := sendria.CheckFileLimit(); !ok {
		t.Errorf("Max clients (%d) is greater than open file limit (%d). "+
			"Please increase your open file limit. Please check your OS docs for how to increase the limit.",
			maxClients, fileLimit)
	}
}

// start the daemon via the serve command, reopen logs on SIGUSR1, then shut
// down with SIGTERM and verify the whole lifecycle in the log
func TestServe(t *testing.T) {
	tmp := t.TempDir()
	logFile := filepath.Join(tmp, "serve.log")
	pidPath := filepath.Join(tmp, "sendria.pid")
	cfgPath := filepath.Join(tmp, "sendria.conf.json")

	var err error
	mainlog, err = log.GetLogger(logFile, "debug")
	if err != nil {
		t.Fatal("could not get logger:", err)
	}
	cfg := fmt.Sprintf(`{
		"log_file": %q,
		"log_level": "debug",
		"pid_file": %q,
		"smtp_ip": "127.0.0.1",
		"smtp_port": 4025,
		"http_ip": "127.0.0.1",
		"http_port": 4080
	}`, logFile, pidPath)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	configPath = cfgPath
	pidFile = ""

	var serveWG sync.WaitGroup
	serveWG.Add(1)
	go func() {
		serve(&cobra.Command{}, []string{})
		serveWG.Done()
	}()
	time.Sleep(testPauseDuration)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatal("error reading pid file:", err)
	}
	if pid, err := strconv.Atoi(string(data)); err != nil || pid != os.Getpid() {
		t.Fatalf("unexpected pid file contents %q: %v", data, err)
	}

	sigUsr1(t, pidPath)
	time.Sleep(testPauseDuration)

	sigKill(t, pidPath)
	serveWG.Wait()

	logged, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"serving: SMTP 127.0.0.1:4025",
		"re-opened main log file",
		"Shutdown completed, exiting.",
	} {
		if !strings.Contains(string(logged), want) {
			t.Errorf("log does not contain %q", want)
		}
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file was not removed on shutdown")
	}
}

// flags given on the command line win over values from the config file
func TestServeFlagOverrides(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "sendria.conf.json")
	cfg := `{"smtp_ip": "127.0.0.1", "smtp_port": 2525, "http_port": 2580, "smtp_ident": "config value"}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	flags := serveCmd.PersistentFlags()
	dbPath := filepath.Join(tmp, "mail.sqlite")
	for name, value := range map[string]string{
		"smtp-port": "4125",
		"no-quit":   "true",
		"db":        dbPath,
	} {
		if err := flags.Set(name, value); err != nil {
			t.Fatal(err)
		}
		defer resetFlag(flags.Lookup(name))
	}

	d = sendria.Daemon{}
	ac, err := readConfig(cfgPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if ac.SMTPPort != 4125 {
		t.Error("smtp-port flag did not override the config file, got", ac.SMTPPort)
	}
	if !ac.NoQuit {
		t.Error("no-quit flag did not override the config file")
	}
	if ac.DBPath != dbPath {
		t.Error("db flag did not override the config file, got", ac.DBPath)
	}
	if ac.HTTPPort != 2580 {
		t.Error("untouched config value changed, got", ac.HTTPPort)
	}
	if ac.SMTPIdent != "config value" {
		t.Error("untouched config value changed, got", ac.SMTPIdent)
	}
	if ac.PidFile != defaultPidFile {
		t.Error("expected the default pid file, got", ac.PidFile)
	}
}

// a missing config file is fine unless one was asked for explicitly
func TestServeNoConfigFile(t *testing.T) {
	d = sendria.Daemon{}
	missing := filepath.Join(t.TempDir(), "nope.conf.json")
	ac, err := readConfig(missing, "")
	if err != nil {
		t.Fatal("a missing default config file should not be an error:", err)
	}
	if ac.SMTPPort != 0 || ac.DBPath != "" {
		t.Error("expected a zero config, got", ac)
	}
	if ac.PidFile != defaultPidFile {
		t.Error("expected the default pid file, got", ac.PidFile)
	}

	flags := serveCmd.PersistentFlags()
	if err := flags.Set("config", missing); err != nil {
		t.Fatal(err)
	}
	defer resetFlag(flags.Lookup("config"))
	if _, err := readConfig(missing, ""); err == nil {
		t.Error("expected an error for an explicitly named missing config file")
	}
}

// the version subcommand logs the linked-in build info
func TestVersionCmd(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "version.log")
	var err error
	mainlog, err = log.GetLogger(logFile, "info")
	if err != nil {
		t.Fatal("could not get logger:", err)
	}
	logVersion()
	logged, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logged), sendria.Version) {
		t.Errorf("version log does not mention %q: %s", sendria.Version, logged)
	}
}

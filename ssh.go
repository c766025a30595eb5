package axidma

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime/pprof"
	"strings"

	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/sshd"
	"github.com/sirupsen/logrus"
)

type sshJsonFlags struct {
	Json   bool
	Pretty bool
}

func jsonFlags() (*flag.FlagSet, any) {
	fl := flag.NewFlagSet("", flag.ContinueOnError)
	s := sshJsonFlags{}
	fl.BoolVar(&s.Json, "json", false, "outputs as json")
	fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
	return fl, &s
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the ssh info out of the passed-in Config and
// updates the passed-in SSHServer. On success, it returns a function
// that callers may invoke to run the configured ssh server. On
// failure, it returns nil, error.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	port := strings.Split(listen, ":")
	if len(port) < 2 {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	} else if port[1] == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKeyPathOrKey := c.GetString("sshd.host_key", "")
	if hostKeyPathOrKey == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	var hostKeyBytes []byte
	if strings.Contains(hostKeyPathOrKey, "-----BEGIN") {
		hostKeyBytes = []byte(hostKeyPathOrKey)
	} else {
		var err error
		hostKeyBytes, err = os.ReadFile(hostKeyPathOrKey)
		if err != nil {
			return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
		}
	}

	err := ssh.SetHostKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	// Clear existing trusted CAs and authorized keys
	ssh.ClearTrustedCAs()
	ssh.ClearAuthorizedKeys()

	rawCAs := c.GetStringSlice("sshd.trusted_cas", []string{})
	for _, caAuthorizedKey := range rawCAs {
		err := ssh.AddTrustedCA(caAuthorizedKey)
		if err != nil {
			l.WithError(err).WithField("sshCA", caAuthorizedKey).Warn("SSH CA had an error, ignoring")
			continue
		}
	}

	rawKeys := c.Get("sshd.authorized_users")
	keys, ok := rawKeys.([]any)
	if ok {
		for _, rk := range keys {
			kDef, ok := rk.(map[string]any)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
				continue
			}

			user, ok := kDef["user"].(string)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
				continue
			}

			k := kDef["keys"]
			switch v := k.(type) {
			case string:
				err := ssh.AddAuthorizedKey(user, v)
				if err != nil {
					l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
					continue
				}

			case []any:
				for _, subK := range v {
					sk, ok := subK.(string)
					if !ok {
						l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
						continue
					}

					err := ssh.AddAuthorizedKey(user, sk)
					if err != nil {
						l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
						continue
					}
				}

			default:
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			}
		}
	} else {
		l.Info("no ssh users to authorize")
	}

	var runner func()
	if c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		runner = func() {
			if err := ssh.Run(listen); err != nil {
				l.WithField("err", err).Warn("Failed to run the SSH server")
			}
		}
	} else {
		ssh.Stop()
	}

	return runner, nil
}

func attachCommands(l *logrus.Logger, c *config.C, ssh *sshd.SSHServer, ctrl *Control, buildVersion string) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		Group:            "controller",
		ShortDescription: "Prints the build version and the controller version register",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshVersion(ctrl, buildVersion, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "dump-registers",
		Group:            "controller",
		ShortDescription: "Prints every controller register",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			for _, r := range ctrl.DumpRegisters() {
				if err := w.WriteLine(r.String()); err != nil {
					return err
				}
			}
			return nil
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "list-channels",
		Group:            "channels",
		ShortDescription: "List every channel with its state and slot ownership",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshListChannels(ctrl, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "list-sessions",
		Group:            "channels",
		ShortDescription: "List the transfer counters and throughput of every session",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshListSessions(ctrl, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-channel",
		Group:            "channels",
		ShortDescription: "Stops a channel, invalidating its descriptors",
		Help:             "Usage: stop-channel <name>",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshStopChannel(ctrl, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reset-interrupts",
		Group:            "controller",
		ShortDescription: "Stops every channel and resets the controller interrupt logic",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if err := ctrl.ResetInterrupts(); err != nil {
				_ = w.WriteLine(fmt.Sprintf("Reset failed: %s", err))
				return err
			}
			return w.WriteLine("Interrupts reset")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		Group:            "runtime",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshReload(c, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		Group:            "debug",
		ShortDescription: "Starts a cpu profile and write output to the provided file, ex: `cpu-profile.pb.gz`",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		Group:            "debug",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		Group:            "debug",
		ShortDescription: "Saves a heap profile to the provided path, ex: `heap-profile.pb.gz`",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		Group:            "runtime",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		Group:            "runtime",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, fs, a, w)
		},
	})
}

func sshVersion(ctrl *Control, buildVersion string, w sshd.StringWriter) error {
	v, err := ctrl.Version()
	if err != nil {
		return w.WriteLine(fmt.Sprintf("%s (controller: %s)", buildVersion, err))
	}
	return w.WriteLine(fmt.Sprintf("%s (controller: 0x%08x)", buildVersion, v))
}

func writeJson(w sshd.StringWriter, pretty bool, v any) error {
	js := json.NewEncoder(w.GetWriter())
	if pretty {
		js.SetIndent("", "    ")
	}
	return js.Encode(v)
}

func sshListChannels(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJsonFlags)
	if !ok {
		return nil
	}

	chans := ctrl.ListChannels()
	if fs.Json || fs.Pretty {
		return writeJson(w, fs.Pretty, chans)
	}

	for _, st := range chans {
		err := w.WriteLine(fmt.Sprintf("%s: %s %s position=%d slots=%d expected=%d cycles=%d owners=%v",
			st.Name, st.Mode, st.State, st.Position, st.Slots, st.Expected, st.Cycles, st.Owners))
		if err != nil {
			return err
		}
	}
	return nil
}

func sshListSessions(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJsonFlags)
	if !ok {
		return nil
	}

	reports := ctrl.ListSessions()
	if fs.Json || fs.Pretty {
		return writeJson(w, fs.Pretty, reports)
	}

	for _, r := range reports {
		line := fmt.Sprintf("%s %s: cycles=%d bytes=%d timeouts=%d elapsed=%s mbps=%.2f",
			r.Channel, r.ID, r.Cycles, r.Bytes, r.Timeouts, r.Elapsed, r.MBps)
		if r.Err != "" {
			line += " error=" + r.Err
		}
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func sshStopChannel(ctrl *Control, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No channel name was provided")
	}

	if !ctrl.StopChannel(a[0]) {
		return w.WriteLine(fmt.Sprintf("Could not find channel %s", a[0]))
	}
	return w.WriteLine(fmt.Sprintf("Stopped %s", a[0]))
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		err := w.WriteLine("No path to write profile provided")
		return err
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.StartCPUProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a))
	return err
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.WriteHeapProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Mem profile created at %s", a))
	return err
}

func sshLogLevel(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}

func sshReload(c *config.C, w sshd.StringWriter) error {
	err := w.WriteLine("Reloading config")
	c.ReloadConfig()
	return err
}

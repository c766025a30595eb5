package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/fabricdma/axidma"
	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	probe := flag.Bool("probe", false, "Open the configured controller, print its version and registers, then exit")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if *probe {
		os.Exit(runProbe(c, l))
	}

	ctrl, err := axidma.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctx, cancel := context.WithCancel(context.Background())
		c.CatchHUP(ctx)

		ctrl.Start()
		notifyReady(l)
		ctrl.ShutdownBlock()
		notifyStopping(l)
		cancel()

		if err := ctrl.Wait(); err != nil {
			l.WithError(err).Error("Finished with errors")
			os.Exit(1)
		}
	}

	os.Exit(0)
}

func runProbe(c *config.C, l *logrus.Logger) int {
	res, err := axidma.Probe(c, l)
	if err != nil {
		util.LogWithContextIfNeeded("Probe failed", err, l)
		return 1
	}

	fmt.Printf("Backend: %s\nController version: 0x%08x\n", res.Backend, res.Version)
	for _, r := range res.Registers {
		fmt.Println(r.String())
	}
	return 0
}

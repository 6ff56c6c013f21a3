package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jordhan-carvalho/trainer/scalar"
	"github.com/jordhan-carvalho/trainer/system"
)

type options struct {
	pid       int
	name      string
	width     string
	policy    string
	chunkSize int
	logLevel  string
	logFormat string
}

func configureLogging(opts *options) error {
	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch opts.logFormat {
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
			PadLevelText:    true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", opts.logFormat)
	}
	return nil
}

func run(cmd *cobra.Command, opts *options) error {
	err := configureLogging(opts)
	if err != nil {
		return err
	}

	kind, err := scalar.ParseKind(opts.width)
	if err != nil {
		return err
	}

	policy, err := system.ParsePolicy(opts.policy)
	if err != nil {
		return err
	}

	pid := opts.pid
	if pid == 0 {
		if opts.name == "" {
			return errors.New("either --pid or --name is required")
		}
		pid, err = system.FindPID(opts.name)
		if err != nil {
			return errors.Wrapf(err, "failed to find process %q", opts.name)
		}
	}

	mem, err := system.OpenWithConfig(pid, system.Config{ChunkSize: opts.chunkSize})
	if err != nil {
		return errors.Wrapf(err, "failed to open process %d", pid)
	}
	defer mem.Close()

	log.WithFields(log.Fields{
		"pid":    mem.PID(),
		"width":  kind,
		"policy": policy,
	}).Info("attached")
	log.Warn("scans are not atomic, the target keeps running while regions are read")

	return newShell(mem, policy, kind, cmd.OutOrStdout()).run(cmd.InOrStdin())
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "trainer",
		Short:         "Search and patch integer values in another process",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.pid, "pid", "p", 0, "target process id")
	flags.StringVarP(&opts.name, "name", "n", "", "target process name, used when --pid is not set")
	kinds := lo.Map(scalar.Kinds(), func(k scalar.Kind, _ int) string { return k.String() })
	flags.StringVarP(&opts.width, "width", "w", scalar.I32.String(), "scalar kind: "+strings.Join(kinds, ", "))
	flags.StringVar(&opts.policy, "policy", system.PolicyWritable.String(), "regions scanned by value searches: writable, heap or all")
	flags.IntVar(&opts.chunkSize, "chunk-size", system.DefaultChunkSize, "largest single read in bytes")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// Package cli wires the sync pipeline into the elysiactl command tree.
// Configuration is layered: command-line flags override environment
// variables (prefix ELYSIACTL_, dots and dashes become underscores),
// which override the config file, which overrides built-in defaults.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AeyeOps/elysiactl-sub001/common"
)

// Process exit codes reported by Execute.
const (
	codeOK      = 0
	codePartial = 1
	codeFatal   = 2
	codeUsage   = 3
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "elysiactl",
	Short: "incremental vector-store synchronization for source trees",
	Long: `elysiactl keeps a vector-store collection in step with a source tree by
consuming a JSONL change stream: parse, resolve content, embed, batch,
write, checkpoint. Progress is committed per batch, so an interrupted run
resumes where it stopped without redoing or losing work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return &exitError{code: codeUsage, err: err}
		}
		if err := common.InitLogging(viper.GetString("log-level"), viper.GetBool("log-json")); err != nil {
			return &exitError{code: codeUsage, err: err}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.elysiactl.yaml, then ./.elysiactl.yaml)")
	pf.String("log-level", "info", "log level: trace|debug|info|warn|error")
	pf.Bool("log-json", false, "emit JSON log lines")

	bindFlags(rootCmd, "log-level", "log-json")
}

// bindFlags binds the named flags of cmd to same-named viper keys, so every
// knob resolves flag > environment > config file > flag default.
func bindFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		cobra.CheckErr(viper.BindPFlag(name, flag))
	}
}

// initConfig loads the config file and turns on environment mapping. A
// missing file is fine unless the caller named one explicitly; a file that
// exists but does not parse is always an error.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to locate home directory: %w", err)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".elysiactl")
	}

	viper.SetEnvPrefix("ELYSIACTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// exitError carries a process exit code alongside the underlying error so
// Execute can translate command failures into the documented codes.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the command tree and returns the process exit code: 0 for a
// fully successful run, 1 when some lines failed and were kept for retry,
// 2 when the pipeline aborted, 3 for usage or configuration mistakes.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return codeOK
	}

	var xe *exitError
	if errors.As(err, &xe) {
		if xe.code == codePartial {
			common.Logger.Warn(xe.Error())
		} else {
			common.Logger.Error(xe.Error())
		}
		return xe.code
	}

	// Anything cobra itself rejects (unknown flags, bad values, unknown
	// subcommands) lands here.
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", rootCmd.Name())
	return codeUsage
}

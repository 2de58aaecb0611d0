package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFolder    = "INBOX"
	DefaultOutputDir = "emails"
)

var (
	ErrHostRequired     = errors.New("--host is required")
	ErrUsernameRequired = errors.New("--username is required")
	ErrPasswordRequired = errors.New("IMAP password must be provided via --password, IMAP_PASS env var or the prompt")
)

// Config captures all command-line options required to run a download and
// conversion.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool

	OutputDir      string
	Folders        []string
	InboxOnly      bool
	IncludeFolders []string
	ExcludeFolders []string

	MaxEmails     int
	DownloadAll   bool
	KeepFilenames bool
	StartMessage  int
	BatchSize     int

	Convert       bool
	ConvertFolder string
	MboxFile      string
	SkipDownload  bool

	ContinueOnError bool
	LogLevel        string
	LogDir          string
}

// Download reports whether the download stage runs.
func (c Config) Download() bool {
	return !c.SkipDownload
}

// passwordPrompt reads a password from the terminal. Replaced in tests.
var passwordPrompt = func(prompt string) (string, bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", false, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", true, fmt.Errorf("read password: %w", err)
	}
	return string(b), true, nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "YAML file with default values for any flag")

	flags.String("host", "", "IMAP server hostname")
	flags.Int("port", 993, "IMAP server port")
	flags.String("username", "", "IMAP username")
	flags.String("password", "", "IMAP password (falls back to IMAP_PASS env var, then a prompt)")
	flags.Bool("no-ssl", false, "Connect without TLS")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")

	flags.String("output-dir", DefaultOutputDir, "Directory for downloaded messages and metadata.json")
	flags.StringSlice("folders", nil, "Comma separated folders to download (default: all folders)")
	flags.Bool("inbox-only", false, "Only download INBOX")
	flags.StringArray("include-folder", nil, "Regex allow-list applied to folder names")
	flags.StringArray("exclude-folder", nil, "Regex block-list applied to folder names")

	flags.Int("max-emails", -1, "Maximum messages per folder, -1 for no limit")
	flags.Bool("download-all", false, "Download messages again even if already archived")
	flags.Bool("keep-filenames", true, "With --download-all, overwrite the previously recorded files")
	flags.Int("start-message", 1, "1-based position of the first message to consider in each folder")
	flags.Int("batch-size", 1000, "Messages per batch; metadata is saved after each batch")

	flags.Bool("convert", false, "Assemble downloaded messages into an mbox file")
	flags.String("convert-folder", "", "Only assemble this folder")
	flags.String("mbox-file", "", "Output mbox path (default: <output-dir>/<account>.mbox)")
	flags.Bool("skip-download", false, "Skip downloading and only convert existing files")

	flags.Bool("continue-on-error", true, "Continue with the next folder when one fails")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.Bool("debug", false, "Shorthand for --log-level debug")
	flags.String("log-dir", "", "Directory for log files (default: stdout only)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configFile != "" {
		if err := applyFile(flags, configFile); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	noSSL := false
	debug := false
	for _, read := range []func() error{
		func() (err error) { cfg.Host, err = flags.GetString("host"); return },
		func() (err error) { cfg.Port, err = flags.GetInt("port"); return },
		func() (err error) { cfg.Username, err = flags.GetString("username"); return },
		func() (err error) { cfg.Password, err = flags.GetString("password"); return },
		func() (err error) { noSSL, err = flags.GetBool("no-ssl"); return },
		func() (err error) { cfg.InsecureSkipVerify, err = flags.GetBool("insecure-skip-verify"); return },
		func() (err error) { cfg.OutputDir, err = flags.GetString("output-dir"); return },
		func() (err error) { cfg.Folders, err = flags.GetStringSlice("folders"); return },
		func() (err error) { cfg.InboxOnly, err = flags.GetBool("inbox-only"); return },
		func() (err error) { cfg.IncludeFolders, err = flags.GetStringArray("include-folder"); return },
		func() (err error) { cfg.ExcludeFolders, err = flags.GetStringArray("exclude-folder"); return },
		func() (err error) { cfg.MaxEmails, err = flags.GetInt("max-emails"); return },
		func() (err error) { cfg.DownloadAll, err = flags.GetBool("download-all"); return },
		func() (err error) { cfg.KeepFilenames, err = flags.GetBool("keep-filenames"); return },
		func() (err error) { cfg.StartMessage, err = flags.GetInt("start-message"); return },
		func() (err error) { cfg.BatchSize, err = flags.GetInt("batch-size"); return },
		func() (err error) { cfg.Convert, err = flags.GetBool("convert"); return },
		func() (err error) { cfg.ConvertFolder, err = flags.GetString("convert-folder"); return },
		func() (err error) { cfg.MboxFile, err = flags.GetString("mbox-file"); return },
		func() (err error) { cfg.SkipDownload, err = flags.GetBool("skip-download"); return },
		func() (err error) { cfg.ContinueOnError, err = flags.GetBool("continue-on-error"); return },
		func() (err error) { cfg.LogLevel, err = flags.GetString("log-level"); return },
		func() (err error) { debug, err = flags.GetBool("debug"); return },
		func() (err error) { cfg.LogDir, err = flags.GetString("log-dir"); return },
	} {
		if err := read(); err != nil {
			return Config{}, err
		}
	}

	cfg.UseTLS = !noSSL
	cfg.Folders = cleanList(cfg.Folders)
	if cfg.InboxOnly {
		cfg.Folders = []string{DefaultFolder}
	}
	// Without an explicit stage selection both stages run.
	if !cfg.Convert && !cfg.SkipDownload {
		cfg.Convert = true
	}
	if cfg.SkipDownload {
		cfg.Convert = true
	}
	if cfg.ConvertFolder != "" {
		cfg.Convert = true
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	if cfg.MboxFile != "" {
		cfg.MboxFile = filepath.Clean(cfg.MboxFile)
	}

	logLevel := strings.ToLower(cfg.LogLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}
	if debug {
		logLevel = "debug"
	}
	cfg.LogLevel = logLevel

	if cfg.Password == "" {
		cfg.Password = os.Getenv("IMAP_PASS")
	}
	if cfg.Password == "" && cfg.Download() && cfg.Host != "" && cfg.Username != "" {
		password, prompted, err := passwordPrompt(fmt.Sprintf("Password for %s@%s: ", cfg.Username, cfg.Host))
		if err != nil {
			return Config{}, err
		}
		if prompted {
			cfg.Password = password
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Download() {
		if cfg.Host == "" {
			return ErrHostRequired
		}
		if cfg.Username == "" {
			return ErrUsernameRequired
		}
		if cfg.Password == "" {
			return ErrPasswordRequired
		}
		if cfg.Port <= 0 || cfg.Port > 65535 {
			return fmt.Errorf("--port must be between 1 and 65535")
		}
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if cfg.StartMessage < 1 {
		return fmt.Errorf("--start-message must be at least 1")
	}
	if cfg.MaxEmails < -1 {
		return fmt.Errorf("--max-emails must be -1 (no limit) or greater")
	}
	if cfg.InboxOnly && (len(cfg.IncludeFolders) > 0 || len(cfg.ExcludeFolders) > 0) {
		return fmt.Errorf("--inbox-only cannot be combined with folder filters")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// applyFile sets every flag named in the YAML document that was not given
// on the command line.
func applyFile(flags *pflag.FlagSet, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	values := map[string]any{}
	if err := yaml.NewDecoder(file).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for key, value := range values {
		if key == "config" {
			continue
		}
		flag := flags.Lookup(key)
		if flag == nil {
			return fmt.Errorf("config file %s: unknown option %q", path, key)
		}
		if flag.Changed {
			continue
		}
		items, isList := value.([]any)
		if !isList {
			items = []any{value}
		}
		for _, item := range items {
			if err := flags.Set(key, fmt.Sprint(item)); err != nil {
				return fmt.Errorf("config file %s: option %q: %w", path, key, err)
			}
		}
	}
	return nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
